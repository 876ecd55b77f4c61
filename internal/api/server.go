// Package api exposes the mail gateway over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nhle/orgmail-gateway/internal/metrics"
	"github.com/nhle/orgmail-gateway/internal/model"
)

// shutdownTimeout bounds how long Run waits for in-flight requests.
const shutdownTimeout = 10 * time.Second

// maxMultipartMemory is the part of a multipart body kept in memory;
// the rest spills to temporary files.
const maxMultipartMemory = 32 << 20

// APIController is a group of routes mounted under /api.
type APIController interface {
	BasePath() string
	Register(rg *gin.RouterGroup) error
	Handlers() []gin.HandlerFunc
}

// Server is the HTTP front of the gateway.
type Server struct {
	gin    *gin.Engine
	config model.ServerConfig
	log    *zap.SugaredLogger
}

// NewServer creates the gin engine with logging, recovery, health and
// metrics routes.
func NewServer(log *zap.Logger, cfg model.ServerConfig) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.MaxMultipartMemory = maxMultipartMemory
	engine.Use(
		ginzap.Ginzap(log, time.RFC3339, true),
		ginzap.RecoveryWithZap(log, true),
	)

	engine.GET("healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("metrics", gin.WrapH(metrics.Handler()))

	return &Server{
		gin:    engine,
		config: cfg,
		log:    log.Sugar(),
	}
}

// RegisterAll mounts controllers under /api.
func (s *Server) RegisterAll(controllers []APIController) error {
	r := s.gin.Group("api")
	for _, c := range controllers {
		if err := c.Register(r.Group(c.BasePath(), c.Handlers()...)); err != nil {
			return fmt.Errorf("registering %s routes: %w", c.BasePath(), err)
		}
	}
	return nil
}

// Handler returns the underlying engine.
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.gin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("HTTP server listening", "address", s.config.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
