package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/prompt"
	"github.com/cordkit/cord/pkg/store"
	"github.com/cordkit/cord/pkg/version"
)

const healthCheckTimeout = 5 * time.Second

// health handles GET /healthz. Only the store is probed; agent
// subprocesses come and go as part of normal operation and must not turn
// the coordinator unhealthy.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	httpStatus := http.StatusOK
	dbHealth, err := store.Health(ctx, s.store.DB())
	if err != nil {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:  dbHealth.Status,
		Version: version.GitCommit,
		Store:   dbHealth,
	})
}

// tree handles GET /api/tree.
func (s *Server) tree(c *gin.Context) {
	t, err := s.store.Snapshot(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// node handles GET /api/nodes/:id.
func (s *Server) node(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	n, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

// nodeRuns handles GET /api/nodes/:id/runs.
func (s *Server) nodeRuns(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}
	if _, err := s.store.Get(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	runs, err := s.store.RunsFor(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunsResponse{Node: node.FormatID(id), Runs: runs})
}

// ready handles GET /api/ready.
func (s *Server) ready(c *gin.Context) {
	nodes, err := s.store.ReadySet(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Count: len(nodes), Nodes: nodes})
}

// answer handles POST /api/nodes/:id/answer. It completes a question that
// is waiting on the human, which unblocks the engine on its next pass.
func (s *Server) answer(c *gin.Context) {
	id, ok := s.nodeID(c)
	if !ok {
		return
	}

	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "bad_request"})
		return
	}

	ctx := c.Request.Context()
	n, err := s.store.Get(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if n.Kind != node.KindAsk || n.AskTarget != node.AskHuman {
		s.respondError(c, fmt.Errorf("%w: %s is not a question for the human", node.ErrInvalidStatus, n.Ref()))
		return
	}

	answer := req.Answer
	if answer == "" {
		if def, ok := prompt.ParseDefault(n.Prompt); ok {
			answer = def
		} else {
			answer = "(no answer)"
		}
	}

	if _, completed, err := s.store.Complete(ctx, id, answer); err != nil {
		s.respondError(c, err)
		return
	} else if s.bus != nil {
		s.bus.Publish(events.Event{
			Type: events.TypeNodeStatus, NodeID: id,
			From: node.StatusActive, To: completed.Status,
			Detail: "answered",
		})
	}

	c.JSON(http.StatusOK, AnswerResponse{Completed: node.FormatID(id), Result: answer})
}

// recentEvents handles GET /api/events?limit=N.
func (s *Server) recentEvents(c *gin.Context) {
	var evs []events.Event
	if s.bus != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		evs = s.bus.Recent(limit)
	}
	c.JSON(http.StatusOK, EventsResponse{Count: len(evs), Events: evs})
}

func (s *Server) nodeID(c *gin.Context) (int64, bool) {
	id, err := node.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid node id %q", c.Param("id")),
			Kind:  "bad_request",
		})
		return 0, false
	}
	return id, true
}

func (s *Server) respondError(c *gin.Context, err error) {
	kind := node.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case "not_found":
		status = http.StatusNotFound
	case "authority_denied":
		status = http.StatusForbidden
	case "invalid_status", "conflict":
		status = http.StatusConflict
	case "invalid_needs", "already_exists":
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		s.logger.Error("Request failed", "error", err, "path", c.FullPath())
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}
