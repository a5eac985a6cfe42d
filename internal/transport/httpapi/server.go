package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ImageGuard/internal/infrastructure/messaging"
	"ImageGuard/internal/ports"
	"ImageGuard/internal/usecase"
)

const defaultHeartbeat = 15 * time.Second

// Deps wires the use cases exposed over HTTP.
type Deps struct {
	Coordinator *usecase.Coordinator
	Pages       *usecase.PageScanner
	Hub         *messaging.Hub
	Verdicts    ports.VerdictRepository
	Logger      *slog.Logger
}

// Server exposes the consumer protocol and operational endpoints over HTTP.
type Server struct {
	coordinator *usecase.Coordinator
	pages       *usecase.PageScanner
	hub         *messaging.Hub
	verdicts    ports.VerdictRepository
	logger      *slog.Logger
	heartbeat   time.Duration

	engine *gin.Engine
	http   *http.Server
}

// New builds the router. The gin mode is left to the caller.
func New(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		coordinator: deps.Coordinator,
		pages:       deps.Pages,
		hub:         deps.Hub,
		verdicts:    deps.Verdicts,
		logger:      logger,
		heartbeat:   defaultHeartbeat,
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", s.health)

	api := r.Group("/api/v1")
	{
		api.POST("/consumers", s.createConsumer)
		api.POST("/consumers/:id/messages", s.postMessage)
		api.GET("/consumers/:id/reports", s.streamReports)
		api.POST("/consumers/:id/pages", s.scanPage)
		api.GET("/records", s.lookupRecord)
		api.GET("/stats", s.stats)
		api.GET("/verdicts", s.recentVerdicts)
	}

	baseCtx, cancelStreams := context.WithCancel(context.Background())
	s.engine = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	s.http.RegisterOnShutdown(cancelStreams)
	return s
}

// Handler returns the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until the server stops. A graceful shutdown is not an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown stops accepting connections, ends open report streams and waits for handlers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
