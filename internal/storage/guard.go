package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSinkUnavailable is returned by a guarded sink while its breaker is open.
var ErrSinkUnavailable = errors.New("storage: sink unavailable, breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerHalfOpen:
		return "half-open"
	case breakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GuardConfig tunes the write breaker.
type GuardConfig struct {
	// TripAfter is the number of consecutive write failures that opens the
	// breaker. Zero selects 5.
	TripAfter int
	// Cooldown is how long the breaker stays open before probing the sink
	// again. Zero selects 30 seconds.
	Cooldown time.Duration
	// OnStateChange, when set, observes transitions for logging.
	OnStateChange func(from, to string)
}

// Guarded wraps a Store with a circuit breaker over its write path. Telemetry
// writes are best effort and callers already swallow failures, so when the
// backing sink starts failing consistently the breaker opens and writes are
// shed immediately instead of stalling every captured request on a dead
// database. Reads pass through untouched: the dashboard keeps serving
// whatever the sink still returns.
//
// Transitions: closed → open after TripAfter consecutive failures; open →
// half-open after Cooldown; half-open closes on one successful write and
// reopens on one failure.
type Guarded struct {
	Store
	cfg GuardConfig

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewGuarded wraps store with a write breaker.
func NewGuarded(store Store, cfg GuardConfig) *Guarded {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Guarded{Store: store, cfg: cfg}
}

// State reports the breaker state, for health endpoints.
func (g *Guarded) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currentStateLocked().String()
}

func (g *Guarded) SaveTrace(ctx context.Context, trace Trace, spans []Span, relations []SpanRelation) error {
	return g.write(func() error {
		return g.Store.SaveTrace(ctx, trace, spans, relations)
	})
}

func (g *Guarded) SaveRequest(ctx context.Context, req CapturedRequest) error {
	return g.write(func() error {
		return g.Store.SaveRequest(ctx, req)
	})
}

func (g *Guarded) SaveQuery(ctx context.Context, q CapturedQuery) error {
	return g.write(func() error {
		return g.Store.SaveQuery(ctx, q)
	})
}

func (g *Guarded) SaveException(ctx context.Context, e CapturedException) error {
	return g.write(func() error {
		return g.Store.SaveException(ctx, e)
	})
}

func (g *Guarded) write(fn func() error) error {
	g.mu.Lock()
	state := g.currentStateLocked()
	if state == breakerOpen {
		g.mu.Unlock()
		return ErrSinkUnavailable
	}
	g.mu.Unlock()

	err := fn()

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		g.failures++
		if state == breakerHalfOpen || g.failures >= g.cfg.TripAfter {
			g.transitionLocked(breakerOpen)
		}
		return err
	}
	g.failures = 0
	if state == breakerHalfOpen {
		g.transitionLocked(breakerClosed)
	}
	return nil
}

// currentStateLocked folds the cooldown expiry into the state read.
func (g *Guarded) currentStateLocked() breakerState {
	if g.state == breakerOpen && time.Since(g.openedAt) >= g.cfg.Cooldown {
		g.transitionLocked(breakerHalfOpen)
	}
	return g.state
}

func (g *Guarded) transitionLocked(to breakerState) {
	if g.state == to {
		return
	}
	from := g.state
	g.state = to
	if to == breakerOpen {
		g.openedAt = time.Now()
	}
	if g.cfg.OnStateChange != nil {
		g.cfg.OnStateChange(from.String(), to.String())
	}
}
