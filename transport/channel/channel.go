// Package channel provides an in-memory bus using Go channels.
//
// IMPORTANT: Channel transport is suitable for local pub/sub within a single process.
// It does NOT provide at-least-once delivery guarantees:
//
//   - Messages are lost on process crash or restart
//   - Messages may be dropped if WithTimeout is set and async handlers are slow
//   - No persistence or redelivery mechanism
//
// The channel transport is ideal for:
//   - Embedding the recorder next to in-process producers
//   - Testing and development
//
// The latest value of every key is retained so that Query can serve it.
package channel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/recorder/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type delivery struct {
	key  string
	data []byte
}

// Transport implements transport.Source, transport.Publisher and
// transport.Querier in memory.
type Transport struct {
	status int32
	opts   *options
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription
	latest map[string][]byte

	published atomic.Int64

	droppedCounter metric.Int64Counter
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	matcher  *transport.Matcher
	handler  transport.Handler
	t        *Transport
	ch       chan delivery
	closed   int32
	closedCh chan struct{}
	done     chan struct{}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Pattern() string {
	return s.matcher.String()
}

// Close removes the subscription. In async mode it waits for the
// delivery goroutine to exit or ctx to end.
func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.closedCh)
	s.t.remove(s.id)

	if s.done == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) isClosed() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

// run delivers buffered messages in async mode.
func (s *subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.closedCh:
			return
		case d := <-s.ch:
			if s.isClosed() {
				return
			}
			s.handler(d.key, d.data)
		}
	}
}

// New creates a new channel-based transport.
func New(opts ...Option) *Transport {
	o := newOptions(opts...)

	meter := otel.Meter("recorder.transport.channel")
	droppedCounter, _ := meter.Int64Counter("recorder.transport.channel.dropped",
		metric.WithDescription("Number of messages dropped by channel transport"),
		metric.WithUnit("{message}"),
	)

	return &Transport{
		status:         1,
		opts:           o,
		logger:         o.logger,
		subs:           make(map[string]*subscription),
		latest:         make(map[string][]byte),
		droppedCounter: droppedCounter,
	}
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Subscribe registers handler for every key matching pattern.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler transport.Handler) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	m, err := transport.Compile(pattern)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:       transport.NewID(),
		matcher:  m,
		handler:  handler,
		t:        t,
		closedCh: make(chan struct{}),
	}
	if t.opts.async {
		sub.ch = make(chan delivery, t.opts.bufferSize)
		sub.done = make(chan struct{})
		go sub.run()
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	t.logger.Debug("added subscriber", "pattern", pattern, "subscriber", sub.id)
	return sub, nil
}

func (t *Transport) remove(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Publish delivers data to every subscription matching key. Handlers
// share data and must not modify it.
func (t *Transport) Publish(ctx context.Context, key string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}

	t.mu.Lock()
	if t.opts.retain {
		t.latest[key] = append([]byte(nil), data...)
	}
	var targets []*subscription
	for _, sub := range t.subs {
		if sub.matcher.Match(key) {
			targets = append(targets, sub)
		}
	}
	t.mu.Unlock()
	t.published.Add(1)

	if len(targets) == 0 {
		t.logger.Debug("no subscribers", "key", key)
		return nil
	}

	for _, sub := range targets {
		if sub.isClosed() {
			continue
		}
		if !t.opts.async {
			sub.handler(key, data)
			continue
		}
		if err := t.sendToSubscriber(ctx, sub, delivery{key: key, data: data}); err != nil {
			if errors.Is(err, transport.ErrPublishTimeout) {
				t.logger.Debug("message dropped due to timeout (subscriber too slow)",
					"key", key,
					"subscriber", sub.id)
				if t.droppedCounter != nil {
					t.droppedCounter.Add(ctx, 1,
						metric.WithAttributes(
							attribute.String("reason", "timeout"),
						))
				}
			}
			t.onError(err)
		}
	}
	return nil
}

func (t *Transport) onError(err error) {
	if err != nil && !errors.Is(err, transport.ErrSubscriptionClosed) {
		t.opts.onError(err)
	}
}

func (t *Transport) sendToSubscriber(ctx context.Context, sub *subscription, d delivery) error {
	if t.opts.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, t.opts.timeout)
		defer cancel()

		select {
		case <-ctx.Done():
			return transport.ErrPublishTimeout
		case <-sub.closedCh:
			return transport.ErrSubscriptionClosed
		case sub.ch <- d:
			return nil
		}
	}

	select {
	case <-sub.closedCh:
		return transport.ErrSubscriptionClosed
	case sub.ch <- d:
		return nil
	}
}

// Query calls handler with the latest value of every retained key that
// matches pattern, in key order.
func (t *Transport) Query(ctx context.Context, pattern string, handler transport.Handler) (int, error) {
	if !t.isOpen() {
		return 0, transport.ErrTransportClosed
	}
	m, err := transport.Compile(pattern)
	if err != nil {
		return 0, err
	}

	t.mu.RLock()
	found := make(map[string][]byte)
	for key, data := range t.latest {
		if m.Match(key) {
			found[key] = data
		}
	}
	t.mu.RUnlock()

	keys := make([]string, 0, len(found))
	for key := range found {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		handler(key, found[key])
	}
	return len(keys), nil
}

// Close shuts down the transport and all subscriptions
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.mu.RLock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health performs a health check on the channel transport
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.isOpen() {
		return transport.Report(start, transport.HealthStatusUnhealthy, "transport closed", nil)
	}
	t.mu.RLock()
	details := map[string]any{
		"subscribers":   len(t.subs),
		"retained_keys": len(t.latest),
		"published":     t.published.Load(),
		"async":         t.opts.async,
	}
	t.mu.RUnlock()
	return transport.Report(start, transport.HealthStatusHealthy, "in-process", details)
}

// Compile-time interface checks
var (
	_ transport.Source        = (*Transport)(nil)
	_ transport.Publisher     = (*Transport)(nil)
	_ transport.Querier       = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
