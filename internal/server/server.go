// Package server assembles the HTTP router and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freetalk/internal/server/handler"
	"go.uber.org/zap"
)

// Config holds HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimit.RPS of 0 disables per-client limiting.
	RateLimit handler.RateLimitConfig
	// WebappDir, when set, serves unmatched GET requests from disk.
	WebappDir       string
	ShutdownTimeout time.Duration
}

// Handlers are the route groups mounted on the router. Nil handlers are
// skipped.
type Handlers struct {
	Posts  *handler.PostsHandler
	Config *handler.ConfigHandler
	Sign   *handler.SignHandler
	Health *handler.HealthHandler
}

// Server is the public HTTP surface.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// New builds the router. ctx bounds background work started by middleware
// and the lifetime of open post connections.
func New(ctx context.Context, cfg Config, h Handlers, logger *zap.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if handler.AllowsAnyOrigin(cfg.CORSOrigins) {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if cfg.RateLimit.RPS > 0 {
		router.Use(handler.RateLimiter(ctx, cfg.RateLimit))
	}

	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/metrics", handler.MetricsHandler())

	if h.Health != nil {
		h.Health.Register(router)
	}
	if h.Config != nil {
		h.Config.Register(router)
	}
	if h.Sign != nil {
		h.Sign.Register(router)
	}
	if h.Posts != nil {
		h.Posts.SetBaseContext(ctx)
		h.Posts.Register(router)
	}

	if cfg.WebappDir != "" {
		files := http.FileServer(http.Dir(cfg.WebappDir))
		router.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}

	return &Server{cfg: cfg, router: router, logger: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is done and then shuts down gracefully. The
// listener is bound before Run blocks, so a bind failure is returned
// immediately. Run does not return until the serve loop has exited.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("HTTP listen on :%d: %w", s.cfg.Port, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server...")
	shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	shutErr := srv.Shutdown(shutCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP serve: %w", err)
	}
	if shutErr != nil {
		return fmt.Errorf("HTTP shutdown: %w", shutErr)
	}
	return nil
}
