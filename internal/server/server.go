package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/amoylab/keyrelay/internal/auth/jwt"
	"github.com/amoylab/keyrelay/internal/channel"
	"github.com/amoylab/keyrelay/internal/common/cnst"
	"github.com/amoylab/keyrelay/internal/common/config"
	"github.com/amoylab/keyrelay/internal/correlator"
	"github.com/amoylab/keyrelay/internal/registry"
	"github.com/amoylab/keyrelay/internal/storage"
	"github.com/amoylab/keyrelay/pkg/metrics"
	"github.com/amoylab/keyrelay/pkg/version"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Server exposes the privileged side over HTTP for harnesses that do not
// run in process
type Server struct {
	logger   *zap.Logger
	cfg      *config.KeyRelayConfig
	channel  *channel.Server
	registry *registry.Registry
	store    storage.Store
	metrics  *metrics.Metrics
	auth     *jwt.Authority
	http     *http.Server
}

// NewServer creates the HTTP server. Auth is enabled when cfg.Auth.JWTSecret
// is set.
func NewServer(logger *zap.Logger, cfg *config.KeyRelayConfig, ch *channel.Server, reg *registry.Registry,
	store storage.Store, m *metrics.Metrics) (*Server, error) {
	s := &Server{
		logger:   logger.Named("server"),
		cfg:      cfg,
		channel:  ch,
		registry: reg,
		store:    store,
		metrics:  m,
	}
	if cfg.Auth.JWTSecret != "" {
		auth, err := jwt.NewAuthority(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("init auth: %w", err)
		}
		s.auth = auth
	}
	return s, nil
}

// RegisterRoutes wires middlewares and handlers onto router
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.Use(s.recoveryMiddleware())
	router.Use(s.loggerMiddleware())
	if s.cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	}
	router.Use(s.metrics.Middleware())

	router.GET("/health_check", s.handleHealthCheck)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api")
	if s.auth != nil {
		api.Use(s.authMiddleware())
	}
	api.GET("/logs", s.requireScope(jwt.ScopeLogs), s.handleLogs)
	api.POST("/clear", s.requireScope(jwt.ScopeClear), s.handleClear)
	api.POST("/channel", s.requireScope(jwt.ScopeChannel), s.handleChannel)
}

// Start serves router on the configured port until Shutdown is called
func (s *Server) Start(router *gin.Engine) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: router,
	}
	s.logger.Info("listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get(),
	})
}

// handleLogs returns the in-memory exchange log, or the persisted one when
// source=store
func (s *Server) handleLogs(c *gin.Context) {
	if c.Query("source") == "store" {
		entries, err := correlator.Persisted(c.Request.Context(), s.store)
		if err != nil {
			s.logger.Error("failed to read persisted exchanges", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if entries == nil {
			entries = []registry.Entry{}
		}
		c.JSON(http.StatusOK, entries)
		return
	}
	c.JSON(http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleClear(c *gin.Context) {
	s.registry.Clear()
	c.Status(http.StatusNoContent)
}

type channelRequest struct {
	ID     string    `json:"id"`
	Kind   cnst.Kind `json:"kind" binding:"required"`
	Body   string    `json:"body"`
	Origin string    `json:"origin"`
}

// handleChannel serves one channel message. Handler failures are reported in
// the reply with status 200, the same way the in-process channel does.
func (s *Server) handleChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg := &channel.Message{ID: req.ID, Kind: req.Kind, Body: req.Body}
	reply := s.channel.Serve(c.Request.Context(), msg, channel.Sender{Origin: req.Origin})
	c.JSON(http.StatusOK, reply)
}
