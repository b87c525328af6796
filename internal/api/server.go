// Package api serves stored events and their impacts over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/alphaterm/internal/logger"
	"github.com/rewired-gh/alphaterm/internal/metrics"
	"github.com/rewired-gh/alphaterm/internal/models"
	"github.com/rewired-gh/alphaterm/internal/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type Config struct {
	Addr  string
	Debug bool
}

// Server is the read-only HTTP surface.
type Server struct {
	config  Config
	store   storage.Store
	metrics *metrics.Metrics
	assets  func() []string
	engine  *gin.Engine
	http    *http.Server
}

// eventView pairs an event with its impact on the requested asset.
type eventView struct {
	Event  models.Event         `json:"event"`
	Impact *models.ImpactResult `json:"impact"`
}

// New builds the server. store may be nil, in which case event routes answer 503.
func New(cfg Config, store storage.Store, m *metrics.Metrics, assets func() []string) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		config:  cfg,
		store:   store,
		metrics: m,
		assets:  assets,
		engine:  engine,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/api/assets", s.getAssets)
	s.engine.GET("/api/events", s.listEvents)
	s.engine.GET("/api/events/:id/impact", s.getImpact)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Shutdown; it returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("Starting API server on %s", s.config.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"storage": s.store != nil,
	})
}

func (s *Server) getAssets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"assets": s.currentAssets()})
}

func (s *Server) currentAssets() []string {
	if s.assets == nil {
		return []string{}
	}
	return s.assets()
}

// asset resolves the asset query parameter, defaulting to the first selected asset.
func (s *Server) asset(c *gin.Context) (string, bool) {
	if a := strings.ToUpper(strings.TrimSpace(c.Query("asset"))); a != "" {
		return a, true
	}
	if assets := s.currentAssets(); len(assets) > 0 {
		return assets[0], true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "asset is required"})
	return "", false
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
		return false
	}
	return true
}

func (s *Server) listEvents(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	asset, ok := s.asset(c)
	if !ok {
		return
	}

	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	sortBy := c.DefaultQuery("sort", "time")
	if sortBy != "time" && sortBy != "score" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort must be time or score"})
		return
	}

	ctx := c.Request.Context()
	events, err := s.store.ListEvents(ctx, limit)
	if err != nil {
		logger.Warn("Failed to list events: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}

	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		v := eventView{Event: ev}
		r, err := s.store.GetImpact(ctx, ev.ID, asset)
		switch {
		case err == nil:
			v.Impact = r
		case !errors.Is(err, storage.ErrNotFound):
			logger.Warn("Failed to read impact %s/%s: %v", ev.ID, asset, err)
		}
		views = append(views, v)
	}

	if sortBy == "score" {
		sort.SliceStable(views, func(i, j int) bool {
			return score(views[i]) > score(views[j])
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"asset":  asset,
		"count":  len(views),
		"events": views,
	})
}

// score orders events without an impact after every scored one.
func score(v eventView) float64 {
	if v.Impact == nil {
		return -1
	}
	return v.Impact.Score
}

func (s *Server) getImpact(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	asset, ok := s.asset(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	ev, err := s.store.GetEvent(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		logger.Warn("Failed to get event %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get event"})
		return
	}

	r, err := s.store.GetImpact(ctx, id, asset)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no impact computed for this asset yet"})
		return
	}
	if err != nil {
		logger.Warn("Failed to get impact %s/%s: %v", id, asset, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get impact"})
		return
	}
	c.JSON(http.StatusOK, eventView{Event: *ev, Impact: r})
}
