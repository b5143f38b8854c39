// Package api serves a gov-os System over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/northstaraokeystone/gov-os/internal/app"
	"github.com/northstaraokeystone/gov-os/internal/explain"
)

const requestIDKey = "request_id"

// Server routes HTTP requests to one System.
type Server struct {
	sys       *app.System
	r         *gin.Engine
	addr      string
	logger    *slog.Logger
	explainer *explain.Explainer

	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address used by Run.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

func NewServer(sys *app.System, opts ...Option) *Server {
	s := &Server{
		sys:             sys,
		addr:            ":8080",
		logger:          slog.Default(),
		explainer:       explain.Default(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())
	s.r = r
	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)

	v1 := s.r.Group("/v1")
	{
		v1.POST("/events", s.handleEvent)

		v1.GET("/receipts", s.handleListReceipts)
		v1.GET("/receipts/:id", s.handleGetReceipt)
		v1.GET("/receipts/:id/verify", s.handleVerifyReceipt)
		v1.GET("/chain/verify", s.handleVerifyChain)
		v1.POST("/anchors", s.handleAnchor)

		v1.GET("/contracts/:contract_id", s.handleContract)
		v1.GET("/reconcile", s.handleReconcileReport)
		v1.POST("/reconcile/:contract_id", s.handleReconcile)

		v1.POST("/score", s.handleScore)

		v1.GET("/thresholds", s.handleListThresholds)
		v1.GET("/thresholds/:domain", s.handleGetThreshold)
		v1.PUT("/thresholds/:domain", s.handleSetThreshold)
		v1.POST("/thresholds/:domain/outcomes", s.handleOutcome)
		v1.POST("/thresholds/:domain/reinstate", s.handleReinstate)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "no route for "+c.Request.Method+" "+c.Request.URL.Path)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.r }

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestID echoes X-Request-ID, generating one when the client sent none.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString(requestIDKey),
		)
	}
}
