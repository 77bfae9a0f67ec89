package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values for fetch outcomes. They match the X-Worker-Cache header.
const (
	OutcomeHit          = "hit"
	OutcomeMiss         = "miss"
	OutcomeNetwork      = "network"
	OutcomeFallback     = "fallback"
	OutcomeStaleStatus  = "stale-status"
	OutcomeOffline      = "offline"
	OutcomeBypass       = "bypass"
	OutcomeUncontrolled = "uncontrolled"
)

// Metrics holds the worker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	fetchTotal       *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	lifecycleTotal   *prometheus.CounterVec
	syncRunsTotal    *prometheus.CounterVec
	syncDelivered    prometheus.Counter
	queueDepth       prometheus.Gauge
	pushTotal        prometheus.Counter
	generationsTotal prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with registry when it
// is not nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shoresquad",
				Subsystem: "fetch",
				Name:      "requests_total",
				Help:      "Intercepted requests by routing strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shoresquad",
				Subsystem: "fetch",
				Name:      "duration_seconds",
				Help:      "Time to produce a response for an intercepted request",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"strategy"},
		),
		lifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shoresquad",
				Subsystem: "lifecycle",
				Name:      "events_total",
				Help:      "Install and activate attempts by result",
			},
			[]string{"event", "result"},
		),
		syncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shoresquad",
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Background sync runs by result",
			},
			[]string{"result"},
		),
		syncDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoresquad",
			Subsystem: "sync",
			Name:      "delivered_total",
			Help:      "Submissions delivered to the network, including redeliveries",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoresquad",
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Submissions waiting for delivery",
		}),
		pushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shoresquad",
			Subsystem: "push",
			Name:      "messages_total",
			Help:      "Push messages turned into notifications",
		}),
		generationsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shoresquad",
			Subsystem: "cache",
			Name:      "generations",
			Help:      "Cache generations currently stored",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.fetchTotal,
			m.fetchDuration,
			m.lifecycleTotal,
			m.syncRunsTotal,
			m.syncDelivered,
			m.queueDepth,
			m.pushTotal,
			m.generationsTotal,
		)
	}
	return m
}

func (m *Metrics) ObserveFetch(strategy, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues(strategy, outcome).Inc()
	m.fetchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) ObserveLifecycle(event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.lifecycleTotal.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveSync(delivered int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.syncRunsTotal.WithLabelValues(result).Inc()
	m.syncDelivered.Add(float64(delivered))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetGenerations(n int) {
	if m == nil {
		return
	}
	m.generationsTotal.Set(float64(n))
}

func (m *Metrics) ObservePush() {
	if m == nil {
		return
	}
	m.pushTotal.Inc()
}
