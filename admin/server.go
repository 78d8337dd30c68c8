// Package admin serves the gateway's HTTP status endpoints.
package admin

import (
	"context"
	"errors"
	"net/http"
	httppprof "net/http/pprof"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"aprsgw/stats"
)

// Sizer reports the number of entries in a cache.
type Sizer interface {
	Len() int
}

// Feed reports the upstream connection state.
type Feed interface {
	IsConnected() bool
}

// RecordCounter reports stored audit records per model.
type RecordCounter interface {
	Counts(ctx context.Context) (map[string]int, error)
}

// Config controls the listener address and optional profiling routes.
type Config struct {
	Addr  string
	Pprof bool
}

// Deps are the sources the status routes read from. Nil members are omitted
// from the response.
type Deps struct {
	Stats    *stats.Tracker
	Stations Sizer
	Times    Sizer
	Feed     Feed
	Recorder RecordCounter
	Pending  func() int
}

// Server bundles the gin router and the status sources.
type Server struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, deps: deps, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info("admin server listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	if s.cfg.Pprof {
		s.engine.GET("/debug/pprof/*profile", gin.WrapF(httppprof.Index))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if s.deps.Feed != nil {
		connected := s.deps.Feed.IsConnected()
		body["feed_connected"] = connected
		if !connected {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{}
	if s.deps.Stats != nil {
		body["stats"] = s.deps.Stats.Snapshot()
	}
	if s.deps.Stations != nil {
		body["stations"] = s.deps.Stations.Len()
	}
	if s.deps.Times != nil {
		body["timestamp_cache"] = s.deps.Times.Len()
	}
	if s.deps.Pending != nil {
		body["queue_pending"] = s.deps.Pending()
	}
	if s.deps.Feed != nil {
		body["feed_connected"] = s.deps.Feed.IsConnected()
	}
	if s.deps.Recorder != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		counts, err := s.deps.Recorder.Counts(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		body["recorded"] = counts
	}
	c.JSON(http.StatusOK, body)
}
