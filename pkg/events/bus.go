// Package events provides the in-process event stream for one engine run.
// The engine publishes node and agent lifecycle events; the renderer, the
// metrics collectors, and the inspection API subscribe.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordkit/cord/pkg/node"
)

// Event types.
const (
	// TypeNodeCreated fires when a node is inserted into the tree.
	TypeNodeCreated = "node.created"
	// TypeNodeStatus fires on every status transition.
	TypeNodeStatus = "node.status"
	// TypeAgentStarted fires when a subprocess launches for a node.
	TypeAgentStarted = "agent.started"
	// TypeAgentExited fires when a subprocess exit has been reaped.
	TypeAgentExited = "agent.exited"
	// TypeAskWaiting fires when a human ask starts waiting for input.
	TypeAskWaiting = "ask.waiting"
	// TypeRunFinished fires once, when the engine loop ends.
	TypeRunFinished = "run.finished"
)

// Event is one entry in the run's event stream.
type Event struct {
	Type      string      `json:"type"`
	Node      string      `json:"node,omitempty"` // "#N"
	NodeID    int64       `json:"node_id,omitempty"`
	From      node.Status `json:"from,omitempty"`
	To        node.Status `json:"to,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// recentLimit is how many events the bus retains for late inspection.
const recentLimit = 256

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that stops draining loses events, not the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]chan Event
	buffer int

	recent []Event
}

// NewBus creates a bus whose subscriber channels buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish stamps the event and delivers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.NodeID != 0 && e.Node == "" {
		e.Node = node.FormatID(e.NodeID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.recent = append(b.recent, e)
	if len(b.recent) > recentLimit {
		b.recent = b.recent[len(b.recent)-recentLimit:]
	}

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("Event subscriber is not draining, dropping event",
				"subscriber", id, "type", e.Type)
		}
	}
}

// Recent returns up to limit of the most recent events, oldest first.
// limit <= 0 returns everything retained.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// Close unregisters and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
