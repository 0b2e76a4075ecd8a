package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/metrics"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/prompt"
	"github.com/cordkit/cord/pkg/store"
)

type fixture struct {
	store  *store.Store
	bus    *events.Bus
	router *gin.Engine
	root   *node.Node
	child  *node.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, store.DefaultConfig(filepath.Join(t.TempDir(), "cord.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	root, err := s.CreateRoot(ctx, store.CreateRootInput{Goal: "write the report", Prompt: "keep it short"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, root.ID, node.StatusPending, node.StatusActive)
	require.NoError(t, err)

	child, err := s.CreateChild(ctx, store.CreateChildInput{
		ParentID: root.ID, Kind: node.KindTask, Goal: "gather sources", Prompt: "use the archive",
	})
	require.NoError(t, err)

	bus := events.NewBus(64)
	m := metrics.New()
	return &fixture{
		store:  s,
		bus:    bus,
		router: New(s, bus, m.Handler()).Router(),
		root:   root,
		child:  child,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.NotEmpty(t, body.Version)
	require.NotNil(t, body.Store)
	assert.Equal(t, "healthy", body.Store.Status)
	assert.GreaterOrEqual(t, body.Store.OpenConnections, 0)
}

func TestTree(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/tree")

	require.Equal(t, http.StatusOK, rec.Code)
	tree := decode[node.Tree](t, rec)
	assert.Equal(t, "write the report", tree.Goal)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "gather sources", tree.Children[0].Goal)
}

func TestGetNode(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/api/nodes/2")
	require.Equal(t, http.StatusOK, rec.Code)
	n := decode[node.Node](t, rec)
	assert.Equal(t, f.child.ID, n.ID)

	rec = f.get(t, "/api/nodes/99")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Kind)

	rec = f.get(t, "/api/nodes/bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReady(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/api/ready")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[ReadyResponse](t, rec)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, f.child.ID, body.Nodes[0].ID)
}

func TestNodeRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	runID, err := f.store.RecordLaunch(ctx, f.child.ID, 4242, "mock", "test-model")
	require.NoError(t, err)
	require.NoError(t, f.store.FinishRun(ctx, runID, 0, "out", ""))

	rec := f.get(t, "/api/nodes/2/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[RunsResponse](t, rec)
	assert.Equal(t, "#2", body.Node)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, 4242, body.Runs[0].PID)
	assert.Equal(t, "mock", body.Runs[0].Runtime)

	rec = f.get(t, "/api/nodes/99/runs")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ask, err := f.store.CreateChild(ctx, store.CreateChildInput{
		ParentID: f.root.ID, Kind: node.KindAsk, AskTarget: node.AskHuman,
		Goal:   "pick a color",
		Prompt: prompt.AskQuestion("pick a color", []string{"red", "blue"}, "red", 0),
	})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, ask.ID, node.StatusPending, node.StatusActive)
	require.NoError(t, err)

	rec := f.post(t, "/api/nodes/3/answer", AnswerRequest{Answer: "blue"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[AnswerResponse](t, rec)
	assert.Equal(t, "#3", body.Completed)
	assert.Equal(t, "blue", body.Result)

	n, err := f.store.Get(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, node.StatusComplete, n.Status)
	assert.Equal(t, "blue", n.Result)

	evs := f.bus.Recent(0)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeNodeStatus, evs[len(evs)-1].Type)

	// A completed question cannot be answered twice.
	rec = f.post(t, "/api/nodes/3/answer", AnswerRequest{Answer: "green"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAnswerDefaultFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ask, err := f.store.CreateChild(ctx, store.CreateChildInput{
		ParentID: f.root.ID, Kind: node.KindAsk, AskTarget: node.AskHuman,
		Goal:   "pick a color",
		Prompt: prompt.AskQuestion("pick a color", []string{"red", "blue"}, "red", 0),
	})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, ask.ID, node.StatusPending, node.StatusActive)
	require.NoError(t, err)

	rec := f.post(t, "/api/nodes/3/answer", AnswerRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "red", decode[AnswerResponse](t, rec).Result)
}

func TestAnswerRejectsNonAsk(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/api/nodes/2/answer", AnswerRequest{Answer: "x"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, "invalid_status", body.Kind)
	assert.Contains(t, body.Error, "not a question for the human")
}

func TestRecentEvents(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		f.bus.Publish(events.Event{Type: events.TypeNodeStatus, NodeID: int64(i)})
	}

	rec := f.get(t, "/api/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[EventsResponse](t, rec)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "#2", body.Events[0].Node)
	assert.Equal(t, "#3", body.Events[1].Node)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.get(t, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
