package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction labels for message counters.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Drop reasons.
const (
	ReasonNoDestination      = "no_destination"
	ReasonUnknownDestination = "unknown_destination"
	ReasonPublishFailed      = "publish_failed"
	ReasonEncodeFailed       = "encode_failed"
	ReasonDecodeFailed       = "decode_failed"
	ReasonStopping           = "stopping"
)

// Scheduler events.
const (
	EventStored    = "stored"
	EventPublished = "published"
	EventPurged    = "purged"
)

// Metrics holds the Prometheus collectors shared by endpoints, the
// supervisor and the scheduler. All record methods are no-ops on a nil
// receiver so components can run without metrics.
type Metrics struct {
	mu sync.Mutex

	messagesTotal   *prometheus.CounterVec
	latencySeconds  *prometheus.HistogramVec
	droppedTotal    *prometheus.CounterVec
	restartsTotal   *prometheus.CounterVec
	servicesRunning prometheus.Gauge
	schedulesTotal  *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodebus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		messagesTotal: newCounterVec("messages_total", "Envelopes sent or received per node", []string{"node", "direction"}),
		latencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodebus",
			Name:      "latency_seconds",
			Help:      "Time between enqueue and publish (out) or receipt (in)",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 5},
		}, []string{"node", "direction"}),
		droppedTotal:  newCounterVec("dropped_total", "Envelopes dropped per node and reason", []string{"node", "reason"}),
		restartsTotal: newCounterVec("restarts_total", "Worker restarts issued by the supervisor", []string{"node"}),
		servicesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nodebus",
			Name:      "services_running",
			Help:      "Services whose worker is currently running",
		}),
		schedulesTotal: newCounterVec("schedules_total", "Scheduler events", []string{"event"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.latencySeconds,
		m.droppedTotal,
		m.restartsTotal,
		m.servicesRunning,
		m.schedulesTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveMessage counts one envelope and records its latency.
func (m *Metrics) ObserveMessage(node, direction string, latency time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(node, direction).Inc()
	m.latencySeconds.WithLabelValues(node, direction).Observe(latency.Seconds())
}

// Dropped counts one envelope that was not delivered.
func (m *Metrics) Dropped(node, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(node, reason).Inc()
}

// Restarted counts one supervisor restart of node.
func (m *Metrics) Restarted(node string) {
	if m == nil {
		return
	}
	m.restartsTotal.WithLabelValues(node).Inc()
}

// ServiceStarted and ServiceStopped move the running-services gauge.
func (m *Metrics) ServiceStarted() {
	if m == nil {
		return
	}
	m.servicesRunning.Inc()
}

func (m *Metrics) ServiceStopped() {
	if m == nil {
		return
	}
	m.servicesRunning.Dec()
}

// Schedule counts n scheduler events of the given kind.
func (m *Metrics) Schedule(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.schedulesTotal.WithLabelValues(event).Add(float64(n))
}
