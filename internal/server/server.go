// Package server wires the gateway service, its stores, and the HTTP API
// into a runnable process.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/paygate/internal/access"
	"github.com/mbd888/paygate/internal/assets"
	"github.com/mbd888/paygate/internal/config"
	"github.com/mbd888/paygate/internal/escrow"
	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/health"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/metrics"
	"github.com/mbd888/paygate/internal/ratelimit"
	"github.com/mbd888/paygate/internal/realtime"
	"github.com/mbd888/paygate/internal/retry"
	"github.com/mbd888/paygate/internal/security"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/treasury"
	"github.com/mbd888/paygate/internal/validation"
)

// Version is the reported service version.
const Version = "0.1.0"

// Server owns the HTTP API and the background settlement machinery.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sql.DB // nil when running on the in-memory store
	router  *gin.Engine
	httpSrv *http.Server

	treasury *treasury.Treasury
	acl      *access.List
	assets   *assets.Registry
	gateway  *gateway.Service
	handler  *gateway.Handler
	settler  *gateway.Timer
	hub      *realtime.Hub
	limiter  *ratelimit.Limiter
	checks   *health.Registry

	tracesShutdown func(context.Context) error
	cancelRun      context.CancelFunc
	started        time.Time
	ready          atomic.Bool
	healthy        atomic.Bool
}

// Option customizes a Server during construction.
type Option func(*Server)

// WithLogger overrides the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a fully wired server. The store backend is chosen by
// DATABASE_URL: set means PostgreSQL, unset means in-memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}

	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, format),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var store gateway.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database may still be coming up alongside us.
		pingCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = retry.Do(pingCtx, 5, 500*time.Millisecond, func() error {
			return db.PingContext(pingCtx)
		})
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		s.db = db
		store = gateway.NewPostgresStore(db)
		s.logger.Info("using postgres store", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		store = gateway.NewMemoryStore()
		s.logger.Info("using in-memory store (set DATABASE_URL for persistence)")
	}

	s.treasury = treasury.New()
	s.acl = access.NewList(cfg.OwnerAccount, cfg.AdminAccounts...)
	s.assets = assets.NewRegistry(s.acl, cfg.EnabledAssets...)
	s.hub = realtime.NewHub(s.logger)

	terms := escrow.Terms{
		SuccessFeeBps: int64(cfg.SuccessFeeBps),
		ExpiredFeeBps: int64(cfg.ExpiredFeeBps),
	}
	s.gateway = gateway.NewService(
		cfg.GatewayAccount, s.treasury, s.acl, s.assets, terms, store, cfg.DefaultPlanCap,
	).WithEmitter(s.hub)

	bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := s.gateway.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("bootstrap gateway: %w", err)
	}

	s.handler = gateway.NewHandler(s.gateway, s.acl)
	if cfg.SettleInterval > 0 {
		s.settler = gateway.NewTimer(s.gateway, time.Duration(cfg.SettleInterval)*time.Second, s.logger).
			WithAutoExpire(cfg.AutoFinalizeExpiry)
	}
	s.limiter = ratelimit.New(ratelimit.DefaultConfig())

	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
			"panic", recovered,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal_error",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

// requestIDMiddleware assigns each request an ID and threads a
// request-scoped logger through the context.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Writer.Header().Get("X-Request-ID"),
		}

		switch {
		case strings.HasPrefix(path, "/health") || path == "/metrics":
			s.logger.Debug("request", attrs...)
		case c.Writer.Status() >= 500:
			s.logger.Error("request", attrs...)
		case c.Writer.Status() >= 400:
			s.logger.Warn("request", attrs...)
		default:
			s.logger.Info("request", attrs...)
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleInfo)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(access.Middleware())
	s.handler.RegisterRoutes(v1)
	s.handler.RegisterCallerRoutes(v1)

	admin := v1.Group("")
	admin.Use(access.RequireAdmin(s.acl))
	s.handler.RegisterAdminRoutes(admin)

	owner := v1.Group("")
	owner.Use(access.RequireOwner(s.acl))
	s.handler.RegisterOwnerRoutes(owner)
}

func (s *Server) handleInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":        "paygate",
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"assets":         s.assets.List(),
		"events":         s.hub.Stats(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady reports readiness for load balancer rotation. It turns
// unready first thing on shutdown so traffic drains before connections
// close.
func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	healthy, statuses := s.checks.Check(c.Request.Context())
	code := http.StatusOK
	status := "ready"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "subsystems": statuses})
}

// Run starts the HTTP listener and background workers, then blocks until
// SIGINT/SIGTERM or a listener error.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesShutdown = shutdownTraces

	go s.hub.Run(runCtx)
	if s.settler != nil {
		go s.settler.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server started",
		"port", s.cfg.Port,
		"env", s.cfg.Env,
		"gateway_account", s.cfg.GatewayAccount,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		s.healthy.Store(false)
		return fmt.Errorf("listen: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	// Give load balancers a moment to notice the readiness flip.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("http shutdown: %w", err)
		}
	}

	if s.settler != nil {
		s.settler.Stop()
	}
	s.limiter.Stop()

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("traces shutdown: %w", err)
		}
	}

	s.Close()
	s.logger.Info("server stopped")
	return firstErr
}

// Close releases held resources without draining. Shutdown calls it;
// callers that never Run should call it directly.
func (s *Server) Close() {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// Router exposes the configured engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// maskDSN hides the password of a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
