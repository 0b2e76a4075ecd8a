// Package api exposes the coordinator's state over HTTP for inspection
// while a run is in flight. All routes are read-only except the answer
// endpoint, which resolves a question waiting on the human.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/store"
)

const shutdownTimeout = 5 * time.Second

// Server serves the inspection API for one store.
type Server struct {
	store   *store.Store
	bus     *events.Bus
	metrics http.Handler
	logger  *slog.Logger
}

// New builds a server. bus and metrics may be nil; the corresponding
// routes then report empty data or stay unregistered.
func New(st *store.Store, bus *events.Bus, metrics http.Handler) *Server {
	return &Server{
		store:   st,
		bus:     bus,
		metrics: metrics,
		logger:  slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/tree", s.tree)
		apiGroup.GET("/nodes/:id", s.node)
		apiGroup.GET("/nodes/:id/runs", s.nodeRuns)
		apiGroup.POST("/nodes/:id/answer", s.answer)
		apiGroup.GET("/ready", s.ready)
		apiGroup.GET("/events", s.recentEvents)
	}

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	return r
}

// Serve runs the server on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("Inspection API listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
