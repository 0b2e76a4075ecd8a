// Package metrics exposes Prometheus instrumentation for a coordinator run.
//
// Counters are fed from the event bus, the live-agent gauge reads the
// supervisor, and node counts are collected straight from the store at
// scrape time so the numbers stay honest across engine restarts.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cordkit/cord/pkg/events"
	"github.com/cordkit/cord/pkg/node"
	"github.com/cordkit/cord/pkg/store"
)

const namespace = "cord"

// statuses is the fixed label set for the node gauge, so a status with
// zero nodes still shows up in scrapes.
var statuses = []node.Status{
	node.StatusPending, node.StatusActive, node.StatusPaused,
	node.StatusComplete, node.StatusCancelled, node.StatusFailed,
}

// Metrics holds the instruments for one coordinator process.
type Metrics struct {
	registry *prometheus.Registry

	// TransitionsTotal counts status changes observed on the event bus.
	// Labels: to (the status entered)
	TransitionsTotal *prometheus.CounterVec

	// LaunchesTotal counts agent subprocesses started.
	LaunchesTotal prometheus.Counter

	// ExitsTotal counts agent subprocesses reaped.
	ExitsTotal prometheus.Counter

	// AsksTotal counts questions surfaced to the human.
	AsksTotal prometheus.Counter

	// RunsFinished counts engine runs that reached a final outcome.
	RunsFinished prometheus.Counter
}

// New builds a Metrics backed by its own registry, with the standard Go
// and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total node status transitions by the status entered",
			},
			[]string{"to"},
		),

		LaunchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_launches_total",
			Help:      "Total agent subprocesses launched",
		}),

		ExitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_exits_total",
			Help:      "Total agent subprocesses that exited",
		}),

		AsksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asks_total",
			Help:      "Total questions handed to the human",
		}),

		RunsFinished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total engine runs that finished",
		}),
	}
}

// Registry returns the underlying registry for custom registration.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackProcesses registers a gauge that reports the current live agent
// count each time it is scraped.
func (m *Metrics) TrackProcesses(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_agents",
			Help:      "Agent subprocesses currently running",
		},
		func() float64 { return float64(count()) },
	))
}

// TrackStore registers a collector that counts nodes by status from a
// fresh store snapshot on every scrape.
func (m *Metrics) TrackStore(s *store.Store) {
	m.registry.MustRegister(&storeCollector{
		store: s,
		nodes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "nodes"),
			"Nodes in the tree by status",
			[]string{"status"}, nil,
		),
	})
}

// WatchBus feeds the counters from engine events until the returned stop
// function is called or the bus closes.
func (m *Metrics) WatchBus(bus *events.Bus) (stop func()) {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			switch ev.Type {
			case events.TypeNodeStatus:
				m.TransitionsTotal.WithLabelValues(string(ev.To)).Inc()
			case events.TypeAgentStarted:
				m.LaunchesTotal.Inc()
			case events.TypeAgentExited:
				m.ExitsTotal.Inc()
			case events.TypeAskWaiting:
				m.AsksTotal.Inc()
			case events.TypeRunFinished:
				m.RunsFinished.Inc()
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type storeCollector struct {
	store *store.Store
	nodes *prometheus.Desc
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.nodes }

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	tree, err := c.store.Snapshot(context.Background())
	if err != nil {
		// An empty store has no tree yet; report zeros rather than fail
		// the whole scrape.
		tree = nil
	}
	counts := make(map[node.Status]int, len(statuses))
	if tree != nil {
		tree.Walk(func(t *node.Tree) { counts[t.Status]++ })
	}
	for _, st := range statuses {
		ch <- prometheus.MustNewConstMetric(
			c.nodes, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
