package metrics

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/store"
)

func TestWatchBusFeedsCounters(t *testing.T) {
	m := New()
	bus := events.NewBus(16)
	stop := m.WatchBus(bus)

	bus.Publish(events.Event{Type: events.TypeNodeStatus, NodeID: 1, From: node.StatusPending, To: node.StatusActive})
	bus.Publish(events.Event{Type: events.TypeNodeStatus, NodeID: 2, From: node.StatusPending, To: node.StatusActive})
	bus.Publish(events.Event{Type: events.TypeNodeStatus, NodeID: 2, From: node.StatusActive, To: node.StatusComplete})
	bus.Publish(events.Event{Type: events.TypeAgentStarted, NodeID: 1})
	bus.Publish(events.Event{Type: events.TypeAgentExited, NodeID: 1})
	bus.Publish(events.Event{Type: events.TypeAskWaiting, NodeID: 3})
	bus.Publish(events.Event{Type: events.TypeRunFinished, NodeID: 1})
	stop()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LaunchesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AsksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished))

	expected := `
		# HELP cord_status_transitions_total Total node status transitions by the status entered
		# TYPE cord_status_transitions_total counter
		cord_status_transitions_total{to="active"} 2
		cord_status_transitions_total{to="complete"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.TransitionsTotal, strings.NewReader(expected)))
}

func TestTrackStoreCountsNodes(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, store.DefaultConfig(filepath.Join(t.TempDir(), "cord.db")))
	require.NoError(t, err)
	defer s.Close()

	root, err := s.CreateRoot(ctx, store.CreateRootInput{Goal: "ship it", Prompt: "ship it"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, root.ID, node.StatusPending, node.StatusActive)
	require.NoError(t, err)

	_, err = s.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: node.KindTask, Goal: "a", Prompt: "a"})
	require.NoError(t, err)
	done, err := s.CreateChild(ctx, store.CreateChildInput{ParentID: root.ID, Kind: node.KindTask, Goal: "b", Prompt: "b"})
	require.NoError(t, err)
	_, err = s.Transition(ctx, done.ID, node.StatusPending, node.StatusActive)
	require.NoError(t, err)
	_, _, err = s.Complete(ctx, done.ID, "done")
	require.NoError(t, err)

	m := New()
	m.TrackStore(s)

	expected := `
		# HELP cord_nodes Nodes in the tree by status
		# TYPE cord_nodes gauge
		cord_nodes{status="active"} 1
		cord_nodes{status="cancelled"} 0
		cord_nodes{status="complete"} 1
		cord_nodes{status="failed"} 0
		cord_nodes{status="paused"} 0
		cord_nodes{status="pending"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "cord_nodes"))
}

func TestTrackProcessesGauge(t *testing.T) {
	m := New()
	live := 3
	m.TrackProcesses(func() int { return live })

	expected := `
		# HELP cord_live_agents Agent subprocesses currently running
		# TYPE cord_live_agents gauge
		cord_live_agents 3
	`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "cord_live_agents"))
}
