// Package server hosts the widget: static assets, one controller per mounted
// page, and the event streams that keep each page in sync with it.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/comigor/crm-query-widget/internal/config"
	"github.com/comigor/crm-query-widget/internal/controller"
	"github.com/comigor/crm-query-widget/internal/conversation"
	"github.com/comigor/crm-query-widget/internal/journal"
	"github.com/comigor/crm-query-widget/internal/logger"
	"github.com/comigor/crm-query-widget/internal/query"
	"github.com/comigor/crm-query-widget/internal/shell"
)

const (
	defaultHeartbeat = 25 * time.Second
	healthTimeout    = 3 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Upstream is the query service as seen by the host.
type Upstream interface {
	query.Asker
	Health(ctx context.Context) error
}

// Server wires the HTTP surface to the instance registry.
type Server struct {
	cfg      *config.Config
	upstream Upstream
	journal  *journal.Journal
	shell    *shell.Shell
	registry *Registry
	engine   *gin.Engine

	heartbeat time.Duration
}

// New builds the host for cfg. Questions go to upstream and resolved
// questions are recorded in j.
func New(cfg *config.Config, upstream Upstream, j *journal.Journal) (*Server, error) {
	sh, err := shell.New(cfg.Widget, cfg.Server.PublicURL)
	if err != nil {
		return nil, err
	}

	if j == nil {
		j = journal.Open("")
	}

	s := &Server{
		cfg:       cfg,
		upstream:  upstream,
		journal:   j,
		shell:     sh,
		heartbeat: defaultHeartbeat,
	}

	var limiter *rate.Limiter
	if cfg.Session.MountRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Session.MountRate), max(cfg.Session.MountBurst, 1))
	}
	s.registry = NewRegistry(s.newController, cfg.Session.TTL, limiter)
	s.engine = s.setupRouter()
	return s, nil
}

func (s *Server) newController(id string, view View) *controller.Controller {
	return controller.New(
		conversation.NewStore(view),
		s.upstream,
		controller.WithID(id),
		controller.WithView(view),
		controller.WithRecorder(s.journal),
		controller.WithTimeout(s.cfg.Query.Timeout),
	)
}

// Handler returns the HTTP handler of the host.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Registry returns the mounted instances.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(s.cfg.CORS)))

	router.GET("/health", s.health)
	if s.cfg.Journal.Expose {
		router.GET("/journal", s.listJournal)
	}
	s.shell.Register(router)

	widget := router.Group("/widget/instances")
	{
		widget.POST("", s.mount)
		widget.POST("/:id/submit", s.submit)
		widget.GET("/:id/events", s.events)
		widget.DELETE("/:id", s.unmount)
	}

	return router
}

func corsConfig(c config.CORSConfig) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       time.Duration(c.MaxAge) * time.Second,
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = c.AllowedOrigins
	return cfg
}

// requestLogger logs one line per request through the structured logger.
func requestLogger() gin.HandlerFunc {
	log := logger.With("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// Run serves until ctx is cancelled, evicting idle instances in the
// background, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("widget host listening", "addr", srv.Addr, "query_service", s.cfg.Query.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("widget host shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("shutdown failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.registry.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.L.Warn("questions still in flight at shutdown")
	}
	return nil
}

func (s *Server) sweep(ctx context.Context) {
	interval := s.cfg.Session.CleanupInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.Sweep()
		}
	}
}

type mountRequest struct {
	Instance string `json:"instance"`
}

func (s *Server) mount(c *gin.Context) {
	var req mountRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, created, err := s.registry.Mount(req.Instance)
	switch {
	case errors.Is(err, ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": inst.ID})
}

type submitRequest struct {
	Question string `json:"question"`
	Key      string `json:"key"`
}

func (s *Server) submit(c *gin.Context) {
	inst, ok := s.instance(c)
	if !ok {
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var err error
	if req.Key == "" {
		err = inst.Ctrl.Submit(c.Request.Context(), req.Question)
	} else {
		err = inst.Ctrl.KeyPress(c.Request.Context(), req.Key, req.Question)
	}

	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, controller.ErrEmptyQuestion), errors.Is(err, controller.ErrIgnoredKey):
		c.Status(http.StatusNoContent)
	case errors.Is(err, controller.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) events(c *gin.Context) {
	inst, ok := s.instance(c)
	if !ok {
		return
	}

	var (
		ch   chan Event
		snap snapshotPayload
	)
	inst.Ctrl.Observe(func(msgs []conversation.Message, state controller.State) {
		ch = inst.hub.subscribe()
		snap = snapshotPayload{Messages: msgs, InputEnabled: state == controller.StateIdle}
	})
	defer func() {
		inst.hub.unsubscribe(ch)
		inst.touch(time.Now())
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", snap)
	c.Writer.Flush()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case ev, open := <-ch:
			if !open {
				return false
			}
			c.SSEvent(ev.Name, ev.Data)
			return true
		case t := <-ping.C:
			c.SSEvent("ping", t.Unix())
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) unmount(c *gin.Context) {
	if err := s.registry.Unmount(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) instance(c *gin.Context) (*Instance, bool) {
	inst, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return inst, true
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	resp := gin.H{
		"status":        "ok",
		"timestamp":     time.Now().Unix(),
		"instances":     s.registry.Len(),
		"query_service": "ok",
	}
	if err := s.upstream.Health(ctx); err != nil {
		resp["status"] = "degraded"
		resp["query_service"] = query.Cause(err)
	}
	c.JSON(http.StatusOK, resp)
}

// listJournal returns the entries of one instance. Listing every page at
// once is left to the journal database itself.
func (s *Server) listJournal(c *gin.Context) {
	id := c.Query("instance")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instance is required"})
		return
	}
	entries := s.journal.List(id)
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
