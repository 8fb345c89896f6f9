package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// Default thresholds
var (
	DefaultWarnDepth     = 100
	DefaultErrorDepth    = 1000
	DefaultCheckInterval = time.Second
	DefaultWarnInterval  = 10 * time.Second
)

// ErrBackpressure is wrapped by every BackpressureError.
var ErrBackpressure = errors.New("consumer cannot keep up with data flow")

// BackpressureError reports a queue depth at or above the error threshold.
type BackpressureError struct {
	Depth     int
	Threshold int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("%s: queue depth %d reached limit %d", ErrBackpressure, e.Depth, e.Threshold)
}

func (e *BackpressureError) Unwrap() error {
	return ErrBackpressure
}

// Depther reports a queue depth.
type Depther interface {
	Len() int
}

type monitorOptions struct {
	warnDepth     int
	errorDepth    int
	checkInterval time.Duration
	warnInterval  time.Duration
	onWarn        func(depth int)
	logger        *slog.Logger
}

// MonitorOption configures a Monitor.
type MonitorOption func(*monitorOptions)

// WithThresholds sets the warn and error depths.
func WithThresholds(warnDepth, errorDepth int) MonitorOption {
	return func(o *monitorOptions) {
		if warnDepth > 0 {
			o.warnDepth = warnDepth
		}
		if errorDepth > 0 {
			o.errorDepth = errorDepth
		}
	}
}

// WithCheckInterval sets how often Run samples the depth.
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// WithWarnInterval sets the minimum spacing of warnings.
func WithWarnInterval(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		if d > 0 {
			o.warnInterval = d
		}
	}
}

// WithWarnHandler is called with the depth each time a warning is emitted.
func WithWarnHandler(fn func(depth int)) MonitorOption {
	return func(o *monitorOptions) {
		if fn != nil {
			o.onWarn = fn
		}
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(o *monitorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Monitor classifies queue depth against warn and error thresholds.
type Monitor struct {
	queue   Depther
	opts    *monitorOptions
	limiter *rate.Limiter

	warnCounter metric.Int64Counter
}

// NewMonitor creates a monitor for queue.
func NewMonitor(queue Depther, opts ...MonitorOption) *Monitor {
	o := &monitorOptions{
		warnDepth:     DefaultWarnDepth,
		errorDepth:    DefaultErrorDepth,
		checkInterval: DefaultCheckInterval,
		warnInterval:  DefaultWarnInterval,
		onWarn:        func(int) {},
		logger:        slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.errorDepth <= o.warnDepth {
		o.errorDepth = o.warnDepth + 1
	}

	meter := otel.Meter("recorder.ingest")
	warnCounter, _ := meter.Int64Counter("recorder.ingest.backpressure.warnings",
		metric.WithDescription("Number of queue depth warnings"),
		metric.WithUnit("{warning}"),
	)
	_, _ = meter.Int64ObservableGauge("recorder.ingest.queue.depth",
		metric.WithDescription("Messages waiting to be recorded"),
		metric.WithUnit("{message}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(queue.Len()))
			return nil
		}),
	)

	return &Monitor{
		queue:       queue,
		opts:        o,
		limiter:     rate.NewLimiter(rate.Every(o.warnInterval), 1),
		warnCounter: warnCounter,
	}
}

// Check samples the depth once. It returns a *BackpressureError at or
// above the error threshold.
func (m *Monitor) Check() error {
	depth := m.queue.Len()
	switch {
	case depth >= m.opts.errorDepth:
		m.opts.logger.Error("queue depth exceeded error threshold", "depth", depth, "threshold", m.opts.errorDepth)
		return &BackpressureError{Depth: depth, Threshold: m.opts.errorDepth}
	case depth >= m.opts.warnDepth:
		if m.limiter.Allow() {
			m.opts.logger.Warn("queue depth above warning threshold, consumer is falling behind",
				"depth", depth, "threshold", m.opts.warnDepth)
			m.warnCounter.Add(context.Background(), 1)
			m.opts.onWarn(depth)
		}
	}
	return nil
}

// Run checks the depth periodically until ctx is done or backpressure is
// detected. It returns nil when ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Check(); err != nil {
				return err
			}
		}
	}
}
