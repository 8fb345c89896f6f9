// Package redis carries keys over Redis pub/sub.
//
// Every key is published on the channel prefix+key. Subscriptions use
// PSUBSCRIBE with a glob that covers the key expression and filter
// deliveries exactly on the client. Publishers can retain the latest value
// of every key in a plain Redis key so that Query can read it back.
//
// Features:
//   - At-most-once pub/sub delivery
//   - Latest-value retention with optional TTL
//   - Query over retained values with SCAN + MGET
//   - Health checks
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/recorder/transport"
	"github.com/redis/go-redis/v9"
)

// Client defines the interface for Redis client operations.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	PSubscribe(ctx context.Context, channels ...string) *redis.PubSub
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	TxPipeline() redis.Pipeliner
	Ping(ctx context.Context) *redis.StatusCmd
}

// ErrClientRequired is returned when no Redis client is provided
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultChannelPrefix = "keelson:bus:"
	DefaultRetainPrefix  = "keelson:latest:"
	DefaultScanCount     = int64(256)
)

// Transport implements transport.Source, transport.Publisher and
// transport.Querier over Redis. The client is owned by the caller.
type Transport struct {
	status  int32
	client  Client
	logger  *slog.Logger
	onError func(error)

	channelPrefix string
	retain        bool
	retainPrefix  string
	retainTTL     time.Duration
	scanCount     int64

	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription implements transport.Subscription for Redis
type subscription struct {
	id      string
	matcher *transport.Matcher
	handler transport.Handler
	pubsub  *redis.PubSub
	prefix  string
	t       *Transport
	closed  int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new Redis transport with a pre-initialized client
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:        1,
		client:        client,
		channelPrefix: DefaultChannelPrefix,
		retain:        true,
		retainPrefix:  DefaultRetainPrefix,
		scanCount:     DefaultScanCount,
		logger:        transport.Logger("transport>redis"),
		onError:       func(error) {},
		subs:          make(map[string]*subscription),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Publish sends data on the channel of key and, with retention enabled,
// stores it as the latest value of key in the same transaction.
func (t *Transport) Publish(ctx context.Context, key string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}

	pipe := t.client.TxPipeline()
	if t.retain {
		pipe.Set(ctx, t.retainPrefix+key, data, t.retainTTL)
	}
	pipe.Publish(ctx, t.channelPrefix+key, data)
	if _, err := pipe.Exec(ctx); err != nil {
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

	var ps *redis.PubSub
	if m.Literal() {
		ps = t.client.Subscribe(ctx, t.channelPrefix+pattern)
	} else {
		ps = t.client.PSubscribe(ctx, escapeGlob(t.channelPrefix)+Glob(pattern))
	}
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:      transport.NewID(),
		matcher: m,
		handler: handler,
		pubsub:  ps,
		prefix:  t.channelPrefix,
		t:       t,
		cancel:  cancel,
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	sub.wg.Add(1)
	go sub.consume(subCtx)

	t.logger.Debug("subscribed", "pattern", pattern, "subscriber", sub.id)
	return sub, nil
}

// Query calls handler with the latest retained value of every key
// matching pattern, in key order.
func (t *Transport) Query(ctx context.Context, pattern string, handler transport.Handler) (int, error) {
	if !t.isOpen() {
		return 0, transport.ErrTransportClosed
	}
	m, err := transport.Compile(pattern)
	if err != nil {
		return 0, err
	}

	match := escapeGlob(t.retainPrefix) + Glob(pattern)
	var found []string
	var cursor uint64
	for {
		keys, next, err := t.client.Scan(ctx, cursor, match, t.scanCount).Result()
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", match, err)
		}
		for _, k := range keys {
			if key := strings.TrimPrefix(k, t.retainPrefix); m.Match(key) {
				found = append(found, key)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(found) == 0 {
		return 0, nil
	}
	sort.Strings(found)
	found = compactSorted(found)

	n := 0
	for start := 0; start < len(found); start += int(t.scanCount) {
		end := min(start+int(t.scanCount), len(found))
		batch := found[start:end]
		full := make([]string, len(batch))
		for i, key := range batch {
			full[i] = t.retainPrefix + key
		}
		values, err := t.client.MGet(ctx, full...).Result()
		if err != nil {
			return n, fmt.Errorf("mget: %w", err)
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				// expired between SCAN and MGET
				continue
			}
			handler(batch[i], []byte(s))
			n++
		}
	}
	return n, nil
}

// Close undeclares all subscriptions. The client stays open.
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

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health pings the server.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	if !t.isOpen() {
		return transport.Report(start, transport.HealthStatusUnhealthy, "transport closed", nil)
	}
	if err := t.client.Ping(ctx).Err(); err != nil {
		return transport.Report(start, transport.HealthStatusUnhealthy, fmt.Sprintf("ping failed: %v", err), nil)
	}
	t.mu.Lock()
	details := map[string]any{"subscriptions": len(t.subs), "retain": t.retain}
	t.mu.Unlock()
	return transport.Report(start, transport.HealthStatusHealthy, "ping ok", details)
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

	s.cancel()
	err := s.pubsub.Close()
	s.wg.Wait()
	return err
}

func (s *subscription) consume(ctx context.Context) {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			key := strings.TrimPrefix(msg.Channel, s.prefix)
			if !s.matcher.Match(key) {
				continue
			}
			s.handler(key, []byte(msg.Payload))
		}
	}
}

// Glob returns a Redis glob covering every key matching the key
// expression. Redis '*' also crosses '/', so the glob may cover more.
func Glob(pattern string) string {
	chunks := strings.Split(pattern, "/")
	var b strings.Builder
	for i, chunk := range chunks {
		if chunk == "**" {
			// "a/**" covers "a" and "a/...", "**/b" covers "b" and ".../b"
			b.WriteByte('*')
			continue
		}
		if i > 0 && chunks[i-1] != "**" {
			b.WriteByte('/')
		}
		parts := strings.Split(chunk, "*")
		for j, part := range parts {
			if j > 0 {
				b.WriteByte('*')
			}
			b.WriteString(escapeGlob(part))
		}
	}
	return b.String()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func compactSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}

// Compile-time checks
var (
	_ transport.Source        = (*Transport)(nil)
	_ transport.Publisher     = (*Transport)(nil)
	_ transport.Querier       = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
	_ transport.Subscription  = (*subscription)(nil)
)
