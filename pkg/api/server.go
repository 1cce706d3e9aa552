package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/video-system/go-capture-encoder/pkg/capture"
	"github.com/video-system/go-capture-encoder/pkg/encode"
)

const (
	defaultUnitLimit = 50
	maxUnitLimit     = 1000
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host     string
	Port     int
	Manager  *capture.Manager
	Gatherer prometheus.Gatherer // nil uses the default registry
	Logger   *slog.Logger
}

// Server is the HTTP status API
type Server struct {
	cfg    ServerConfig
	router *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger.With("component", "api")}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/codecs", s.handleCodecs)
		api.GET("/channels/:id", s.handleChannel)
		api.GET("/channels/:id/units", s.handleUnits)
	}

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server. It returns nil after Stop.
func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("HTTP request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	if err := s.cfg.Manager.GetError(); err != nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"service":   "go-capture-encoder",
		"recording": s.cfg.Manager.IsRecording(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"channels": s.cfg.Manager.GetAllStatuses(),
		"total":    s.cfg.Manager.ChannelCount(),
	})
}

func (s *Server) handleCodecs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"codecs": encode.ListCodecs(c.Request.Context())})
}

func (s *Server) handleChannel(c *gin.Context) {
	ch, ok := s.cfg.Manager.GetChannel(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}
	c.JSON(http.StatusOK, ch.GetStatus())
}

func (s *Server) handleUnits(c *gin.Context) {
	ch, ok := s.cfg.Manager.GetChannel(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return
	}

	limit := defaultUnitLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxUnitLimit)
	}

	units := ch.Units(limit)
	c.JSON(http.StatusOK, gin.H{
		"channel_id": ch.ID(),
		"units":      units,
		"total":      len(units),
	})
}
