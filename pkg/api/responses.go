package api

import (
	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/store"
)

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Store   *store.HealthStatus `json:"store"`
}

// ErrorResponse carries a machine-readable kind next to the message so
// clients can branch without parsing text.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// AnswerRequest is the POST /api/nodes/:id/answer body. An empty answer
// falls back to the question's declared default.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// AnswerResponse confirms which node was completed and with what result.
type AnswerResponse struct {
	Completed string `json:"completed"`
	Result    string `json:"result"`
}

// ReadyResponse lists the nodes eligible to launch right now.
type ReadyResponse struct {
	Count int          `json:"count"`
	Nodes []*node.Node `json:"nodes"`
}

// RunsResponse lists the subprocess launches recorded for a node.
type RunsResponse struct {
	Node string       `json:"node"`
	Runs []*store.Run `json:"runs"`
}

// EventsResponse returns the tail of the event stream.
type EventsResponse struct {
	Count  int            `json:"count"`
	Events []events.Event `json:"events"`
}
