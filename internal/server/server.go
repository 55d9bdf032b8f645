package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/radarhq/radar/internal/api"
	"github.com/radarhq/radar/internal/capture"
	"github.com/radarhq/radar/internal/config"
	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/middleware"
	"github.com/radarhq/radar/internal/monitoring"
	"github.com/radarhq/radar/internal/storage"
	"github.com/radarhq/radar/internal/tasks"
	"github.com/radarhq/radar/internal/tracing"
	"github.com/radarhq/radar/internal/ws"
)

// Server wraps the HTTP server and the engine's wired components.
type Server struct {
	cfg     *config.Config
	logger  *logging.Logger
	router  *gin.Engine
	httpSrv *http.Server

	store      storage.Store
	tracker    *tasks.Tracker
	manager    *tracing.Manager
	metrics    *monitoring.Metrics
	queries    *capture.QueryObserver
	exceptions *capture.ExceptionRecorder

	closers []io.Closer
}

// New creates a fully wired server from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, logger: logger}

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pg, err := storage.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		// Shed telemetry writes fast when the database goes away instead
		// of stalling every captured request on it.
		s.store = storage.NewGuarded(pg, storage.GuardConfig{
			OnStateChange: func(from, to string) {
				logger.Warn("storage breaker state changed",
					zap.String("from", from), zap.String("to", to))
			},
		})
		s.closers = append(s.closers, pg)
		logger.Info("using postgres storage")
	} else {
		s.store = storage.NewMemory(0)
		logger.Info("using in-memory storage")
	}

	s.metrics = monitoring.NewMetrics()
	s.manager = tracing.NewManager(s.store, logger).WithMetrics(s.metrics)
	s.tracker = tasks.NewTracker(cfg.Tasks.MaxTasks, logger).WithMetrics(s.metrics)
	s.queries = capture.NewQueryObserver(s.store, logger, capture.QueryObserverConfig{
		CaptureBindings:    cfg.Capture.CaptureBindings,
		SlowQueryThreshold: time.Duration(cfg.Capture.SlowQueryMillis) * time.Millisecond,
		Metrics:            s.metrics,
	})
	s.exceptions = capture.NewExceptionRecorder(s.store, logger).WithMetrics(s.metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.Capture(middleware.CaptureDeps{
		Sink:    s.store,
		Manager: s.manager,
		Logger:  logger,
		Config:  cfg.Capture,
		Tracing: cfg.Tracing,
	}))

	dashboard := router.Group(cfg.Capture.DashboardPathScope)
	if cfg.RateLimit.Enabled {
		dashboard.Use(middleware.RateLimit(cfg.RateLimit))
	}

	handlers := api.NewHandlers(s.store, s.tracker, s.metrics)
	handlers.Register(dashboard.Group("/api"))

	wsHandler := ws.NewHandler(s.tracker, logger)
	wsHandler.OnConnectionChange(
		func() { s.metrics.WSConnections.Inc() },
		func() { s.metrics.WSConnections.Dec() },
	)
	dashboard.GET("/ws/background-tasks", wsHandler.HandleConnection)

	s.router = router
	return s, nil
}

// Router exposes the gin engine so host applications can mount their own
// routes alongside the dashboard.
func (s *Server) Router() *gin.Engine { return s.router }

// Store exposes the wired storage for host-side instrumentation.
func (s *Server) Store() storage.Store { return s.store }

// Tracker exposes the wired task tracker.
func (s *Server) Tracker() *tasks.Tracker { return s.tracker }

// Manager exposes the wired trace manager.
func (s *Server) Manager() *tracing.Manager { return s.manager }

// QueryObserver exposes the wired database instrumentation for host DB hooks.
func (s *Server) QueryObserver() *capture.QueryObserver { return s.queries }

// ExceptionRecorder exposes the wired exception capture for host error hooks.
func (s *Server) ExceptionRecorder() *capture.ExceptionRecorder { return s.exceptions }

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("radar engine listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.closeAll()
		return err
	case err := <-errCh:
		s.closeAll()
		return err
	}
}

func (s *Server) closeAll() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("close failed", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}
