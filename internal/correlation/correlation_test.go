package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radarhq/radar/internal/tracing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	assert.False(t, ok, "absence is not an error")

	ctx = WithRequestID(ctx, "req_abc")
	rid, ok := RequestID(ctx)
	require.True(t, ok)
	assert.Equal(t, "req_abc", rid)
}

func TestTraceRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Trace(ctx))

	tc := tracing.NewContext("svc")
	ctx = WithTrace(ctx, tc)
	assert.Same(t, tc, Trace(ctx))
}

func TestDetach(t *testing.T) {
	ctx := WithTrace(WithRequestID(context.Background(), "req_abc"), tracing.NewContext("svc"))

	detached := Detach(ctx)

	_, ok := RequestID(detached)
	assert.False(t, ok)
	assert.Nil(t, Trace(detached))

	// The original context is untouched: values are inherited copies, not
	// live references.
	rid, ok := RequestID(ctx)
	require.True(t, ok)
	assert.Equal(t, "req_abc", rid)
	assert.NotNil(t, Trace(ctx))
}

func TestChildGoroutineInheritsAtSpawn(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_parent")

	got := make(chan string, 1)
	go func(ctx context.Context) {
		rid, _ := RequestID(ctx)
		got <- rid
	}(ctx)

	assert.Equal(t, "req_parent", <-got)
}
