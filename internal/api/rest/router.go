// Package rest provides the Gin-based control API of a running overlay.
package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iggydv12/superleaf/internal/file"
	"github.com/iggydv12/superleaf/internal/wire"
)

// Leaf is the part of a leaf node the API drives.
type Leaf interface {
	ID() string
	SuperPeer() string
	Files() []file.Record
	Content(name string) ([]byte, error)
	QueryWithTTL(ctx context.Context, name string, ttl int) ([]wire.QueryHit, error)
	Query(ctx context.Context, name string) ([]wire.QueryHit, error)
	Fetch(ctx context.Context, name string, pick int) (file.Record, error)
	Download(ctx context.Context, name, holder string) (file.Record, error)
	Edit(ctx context.Context, name, payload string) (file.Record, error)
	CheckCopies(ctx context.Context) []string
}

// SuperPeer is the part of a super-peer the API inspects.
type SuperPeer interface {
	ID() string
	Neighbors() []string
	Ledger() map[string]string
	Registry() map[string][]string
}

// Overlay gives access to the nodes of a running topology.
type Overlay interface {
	Leaf(id string) (Leaf, bool)
	SuperPeer(id string) (SuperPeer, bool)
	LeafIDs() []string
	SuperPeerIDs() []string
}

// Server is the REST API server.
type Server struct {
	engine  *gin.Engine
	overlay Overlay
	logger  *zap.Logger
}

// New creates a REST Server. gatherer, if non-nil, is exposed on /metrics.
func New(ov Overlay, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		overlay: ov,
		logger:  logger,
	}
	s.registerRoutes(gatherer)
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("REST API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// registerRoutes sets up the /superleaf context path.
func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	root := s.engine.Group("/superleaf")
	root.GET("/nodes", s.nodes)

	leaves := root.Group("/leaves/:id")
	{
		leaves.GET("/files", s.files)
		leaves.GET("/files/:name", s.content)
		leaves.GET("/query/:name", s.query)
		leaves.POST("/fetch", s.fetch)
		leaves.POST("/edit", s.edit)
		leaves.POST("/poll", s.poll)
	}

	superPeers := root.Group("/super-peers/:id")
	{
		superPeers.GET("/ledger", s.ledger)
		superPeers.GET("/registry", s.registry)
	}
}

func (s *Server) nodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"super_peers": s.overlay.SuperPeerIDs(),
		"leaves":      s.overlay.LeafIDs(),
	})
}

// --- Leaf handlers ---

func (s *Server) leaf(c *gin.Context) (Leaf, bool) {
	l, ok := s.overlay.Leaf(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown leaf " + c.Param("id")})
	}
	return l, ok
}

func (s *Server) files(c *gin.Context) {
	l, ok := s.leaf(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, l.Files())
}

func (s *Server) content(c *gin.Context) {
	l, ok := s.leaf(c)
	if !ok {
		return
	}
	data, err := l.Content(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func (s *Server) query(c *gin.Context) {
	l, ok := s.leaf(c)
	if !ok {
		return
	}
	name := c.Param("name")

	var (
		hits []wire.QueryHit
		err  error
	)
	if raw := c.Query("ttl"); raw != "" {
		ttl, convErr := strconv.Atoi(raw)
		if convErr != nil || ttl < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl must be a non-negative integer"})
			return
		}
		hits, err = l.QueryWithTTL(c.Request.Context(), name, ttl)
	} else {
		hits, err = l.Query(c.Request.Context(), name)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if hits == nil {
		hits = []wire.QueryHit{}
	}
	c.JSON(http.StatusOK, hits)
}

type fetchRequest struct {
	File   string `json:"file" binding:"required"`
	Pick   int    `json:"pick"`
	Holder string `json:"holder"`
}

func (s *Server) fetch(c *gin.Context) {
	l, ok := s.leaf(c)
	if !ok {
		return
	}
	var req fetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		rec file.Record
		err error
	)
	if req.Holder != "" {
		rec, err = l.Download(c.Request.Context(), req.File, req.Holder)
	} else {
		rec, err = l.Fetch(c.Request.Context(), req.File, req.Pick)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type editRequest struct {
	File string `json:"file" binding:"required"`
	Text string `json:"text"`
}

func (s *Server) edit(c *gin.Context) {
	l, ok := s.leaf(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := l.Edit(c.Request.Context(), req.File, req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) poll(c *gin.Context) {
	l, ok := s.leaf(c)
	if !ok {
		return
	}
	stale := l.CheckCopies(c.Request.Context())
	if stale == nil {
		stale = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"stale": stale})
}

// --- Super-peer handlers ---

func (s *Server) superPeer(c *gin.Context) (SuperPeer, bool) {
	sp, ok := s.overlay.SuperPeer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown super-peer " + c.Param("id")})
	}
	return sp, ok
}

func (s *Server) ledger(c *gin.Context) {
	sp, ok := s.superPeer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sp.Ledger())
}

func (s *Server) registry(c *gin.Context) {
	sp, ok := s.superPeer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"neighbors": sp.Neighbors(),
		"registry":  sp.Registry(),
	})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, file.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, file.ErrNotMaster), errors.Is(err, file.ErrInvalid), errors.Is(err, file.ErrAlreadyHeld):
		status = http.StatusConflict
	case errors.Is(err, file.ErrBadHolder):
		status = http.StatusBadRequest
	}
	s.logger.Debug("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}
