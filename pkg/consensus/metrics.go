package consensus

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Proposals       prometheus.Counter
	VotesSent       prometheus.Counter
	VotesReceived   prometheus.Counter
	QCsFormed       prometheus.Counter
	Finalized       *prometheus.CounterVec
	PledgeConflicts prometheus.Counter
	Timeouts        prometheus.Counter
	Rejected        *prometheus.CounterVec
	ActiveInstances prometheus.Gauge
}

// NewMetrics builds the worker's collectors and registers them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "proposals_total",
			Help: "Tree nodes proposed by this validator.",
		}),
		VotesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "votes_sent_total",
			Help: "Votes cast by this validator.",
		}),
		VotesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "votes_received_total",
			Help: "Distinct valid votes received as leader.",
		}),
		QCsFormed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "qcs_formed_total",
			Help: "Quorum certificates aggregated as leader.",
		}),
		Finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "finalized_total",
			Help: "Payload shards finalized, by decision.",
		}, []string{"decision"}),
		PledgeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "pledge_conflicts_total",
			Help: "Proposals refused because the object is pledged to another payload.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "pacemaker_timeouts_total",
			Help: "Leader rounds abandoned by the pacemaker.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "messages_rejected_total",
			Help: "Inbound messages dropped by validation, by reason.",
		}, []string{"reason"}),
		ActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardbft", Subsystem: "hotstuff", Name: "active_instances",
			Help: "Payload/shard pipelines awaiting a decision.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Proposals, m.VotesSent, m.VotesReceived, m.QCsFormed, m.Finalized,
			m.PledgeConflicts, m.Timeouts, m.Rejected, m.ActiveInstances)
	}
	return m
}
