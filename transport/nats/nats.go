// Package nats carries keys over NATS Core pub/sub.
//
// Keys map to subjects by replacing '/' with '.'. Delivery is
// at-most-once: messages published while the recorder is not subscribed
// are not seen.
//
//	conn, _ := nats.Connect(url)
//	source, _ := natstransport.New(conn)
//	sub, _ := source.Subscribe(ctx, "rise/@v0/**", rec.Handler())
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/recorder/transport"
)

// Errors
var (
	ErrConnRequired = errors.New("nats connection is required")
)

// Transport implements transport.Source and transport.Publisher over a
// NATS connection. The connection is owned by the caller.
type Transport struct {
	status  int32
	conn    *nats.Conn
	opts    *options
	logger  *slog.Logger
	onError func(error)

	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription implements transport.Subscription
type subscription struct {
	id       string
	matcher  *transport.Matcher
	handler  transport.Handler
	natsSubs []*nats.Subscription
	t        *Transport
	closed   int32
}

// New creates a NATS transport on conn.
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	o := newOptions(opts...)
	return &Transport{
		status:  1,
		conn:    conn,
		opts:    o,
		logger:  o.logger,
		onError: o.onError,
		subs:    make(map[string]*subscription),
	}, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish sends data on the subject of key (fire-and-forget).
func (t *Transport) Publish(ctx context.Context, key string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	subject, err := SubjectOf(key)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(subject, data); err != nil {
		t.onError(err)
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
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
	subjects, err := SubjectsFor(pattern)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:      transport.NewID(),
		matcher: m,
		handler: handler,
		t:       t,
	}
	for _, subject := range subjects {
		ns, err := t.conn.Subscribe(subject, sub.handleMessage)
		if err != nil {
			sub.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		if err := ns.SetPendingLimits(t.opts.pendingMsgs, t.opts.pendingBytes); err != nil {
			t.logger.Warn("failed to set pending limits", "subject", subject, "error", err)
		}
		sub.natsSubs = append(sub.natsSubs, ns)
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	t.logger.Debug("subscribed", "pattern", pattern, "subjects", subjects, "subscriber", sub.id)
	return sub, nil
}

// Close undeclares all subscriptions and flushes the connection. The
// connection itself stays open.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close(ctx))
	}
	if t.conn.IsConnected() {
		errs = append(errs, t.conn.FlushWithContext(ctx))
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health maps the connection state: connected is healthy, reconnecting is
// degraded and anything else is unhealthy.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.isOpen() {
		return transport.Report(start, transport.HealthStatusUnhealthy, "transport closed", nil)
	}

	status := t.conn.Status()
	t.mu.Lock()
	details := map[string]any{"connection": status.String(), "subscriptions": len(t.subs)}
	t.mu.Unlock()

	switch status {
	case nats.CONNECTED:
		details["server"] = t.conn.ConnectedUrl()
		return transport.Report(start, transport.HealthStatusHealthy, "connected", details)
	case nats.RECONNECTING, nats.CONNECTING:
		return transport.Report(start, transport.HealthStatusDegraded, "reconnecting", details)
	default:
		return transport.Report(start, transport.HealthStatusUnhealthy, "not connected", details)
	}
}

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Pattern() string {
	return s.matcher.String()
}

func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.t.mu.Lock()
	delete(s.t.subs, s.id)
	s.t.mu.Unlock()
	return s.unsubscribe()
}

func (s *subscription) unsubscribe() error {
	var errs []error
	for _, ns := range s.natsSubs {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *subscription) handleMessage(msg *nats.Msg) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	key := KeyOf(msg.Subject)
	if !s.matcher.Match(key) {
		return
	}
	s.handler(key, msg.Data)
}

// Compile-time checks
var (
	_ transport.Source        = (*Transport)(nil)
	_ transport.Publisher     = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
