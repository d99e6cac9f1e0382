package pbft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of one consensus engine.
type Metrics struct {
	CommittedProposals prometheus.Counter
	ViewChanges        prometheus.Counter
	RejectedMessages   prometheus.Counter
	CurrentView        prometheus.Gauge
	ProgressedIndex    prometheus.Gauge
}

// NewMetrics registers the engine metrics with the given registerer.
// Each engine gets its own registry so several nodes can share a
// process in tests.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		CommittedProposals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pbft",
			Name:      "committed_proposals_total",
			Help:      "Total number of proposals committed by this node",
		}),
		ViewChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pbft",
			Name:      "view_changes_total",
			Help:      "Total number of view changes this node initiated",
		}),
		RejectedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pbft",
			Name:      "rejected_messages_total",
			Help:      "Total number of consensus messages rejected by validation",
		}),
		CurrentView: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pbft",
			Name:      "current_view",
			Help:      "The view this node currently operates in",
		}),
		ProgressedIndex: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pbft",
			Name:      "progressed_index",
			Help:      "The next proposal index this node expects to commit",
		}),
	}
}
