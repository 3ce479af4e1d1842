package votifier

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks listener activity. Counters are exported to Prometheus
// when a registerer is supplied, and mirrored in plain atomics so the
// status page can read them without scraping.
type Metrics struct {
	connections    prometheus.Counter
	votes          *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	proxyHeaders   *prometheus.CounterVec
	dispatchErrors prometheus.Counter
	inFlight       prometheus.Gauge
	duration       prometheus.Histogram

	accepted     atomic.Int64
	voteCount    atomic.Int64
	rejectCount  atomic.Int64
	lastVoteUnix atomic.Int64
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Connections int64     `json:"connections"`
	Votes       int64     `json:"votes"`
	Rejected    int64     `json:"rejected"`
	LastVote    time.Time `json:"last_vote,omitempty"`
}

// NewMetrics builds the collectors and registers them with reg, if any.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "connections_total",
			Help:      "Connections accepted by the vote listener.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "votes_total",
			Help:      "Votes decoded and handed to the dispatcher, by protocol.",
		}, []string{"protocol"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "rejected_total",
			Help:      "Connections that produced no vote, by reason.",
		}, []string{"reason"}),
		proxyHeaders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "proxy_headers_total",
			Help:      "Proxy preambles stripped, by kind.",
		}, []string{"kind"}),
		dispatchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "dispatch_errors_total",
			Help:      "Votes the reward handler failed to apply.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "connections_in_flight",
			Help:      "Connections currently being handled.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simplevote",
			Subsystem: "votifier",
			Name:      "connection_duration_seconds",
			Help:      "Time from accept to close.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.votes, m.rejected, m.proxyHeaders, m.dispatchErrors, m.inFlight, m.duration)
	}
	return m
}

func (m *Metrics) connectionOpened() {
	m.connections.Inc()
	m.inFlight.Inc()
	m.accepted.Add(1)
}

func (m *Metrics) connectionClosed(elapsed time.Duration) {
	m.inFlight.Dec()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) voteDecoded(p Protocol) {
	m.votes.WithLabelValues(p.String()).Inc()
	m.voteCount.Add(1)
	m.lastVoteUnix.Store(time.Now().Unix())
}

func (m *Metrics) connectionRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
	m.rejectCount.Add(1)
}

func (m *Metrics) proxyStripped(k ProxyKind) {
	m.proxyHeaders.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) dispatchFailed() {
	m.dispatchErrors.Inc()
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Stats {
	st := Stats{
		Connections: m.accepted.Load(),
		Votes:       m.voteCount.Load(),
		Rejected:    m.rejectCount.Load(),
	}
	if ts := m.lastVoteUnix.Load(); ts > 0 {
		st.LastVote = time.Unix(ts, 0)
	}
	return st
}
