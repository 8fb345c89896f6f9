package recorder

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the recorder's Prometheus collectors.
type Metrics struct {
	written    prometheus.Counter
	bytes      prometheus.Counter
	dropped    *prometheus.CounterVec
	rotations  *prometheus.CounterVec
	files      prometheus.Counter
	queueDepth prometheus.GaugeFunc

	depth atomic.Pointer[func() int]
}

// NewMetrics creates collectors under namespace (default "keelson").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "keelson"
	}
	m := &Metrics{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "messages_written_total",
			Help:      "Total messages written to recordings",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "payload_bytes_written_total",
			Help:      "Total payload bytes written to recordings",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "messages_dropped_total",
			Help:      "Total messages dropped, by reason",
		}, []string{"reason"}),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "rotations_total",
			Help:      "Total file rotations, by trigger",
		}, []string{"reason"}),
		files: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "files_closed_total",
			Help:      "Total recording files finalized",
		}),
	}
	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "recorder",
		Name:      "queue_depth",
		Help:      "Messages waiting to be recorded",
	}, func() float64 {
		if fn := m.depth.Load(); fn != nil {
			return float64((*fn)())
		}
		return 0
	})
	return m
}

// Register registers all collectors with r (default registerer if nil).
func (m *Metrics) Register(r prometheus.Registerer) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var errs []error
	for _, c := range []prometheus.Collector{m.written, m.bytes, m.dropped, m.rotations, m.files, m.queueDepth} {
		if err := r.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) bindDepth(fn func() int) {
	m.depth.Store(&fn)
}

func (m *Metrics) messageWritten(n int) {
	m.written.Inc()
	m.bytes.Add(float64(n))
}

func (m *Metrics) messageDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) rotated(reason string) {
	m.rotations.WithLabelValues(reason).Inc()
}

func (m *Metrics) fileClosed() {
	m.files.Inc()
}
