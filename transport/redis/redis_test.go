package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/recorder/transport"
	"github.com/redis/go-redis/v9"
)

func newTestTransport(t *testing.T, opts ...Option) (*Transport, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tr, err := New(client, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, mr
}

type received struct {
	mu   sync.Mutex
	keys []string
	ch   chan struct{}
}

func newReceived() *received {
	return &received{ch: make(chan struct{}, 100)}
}

func (r *received) handle(key string, _ []byte) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *received) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrClientRequired) {
		t.Errorf("expected ErrClientRequired, got %v", err)
	}
}

func TestGlob(t *testing.T) {
	tests := map[string]string{
		"rise/@v0/boat/pubsub/raw/sensor": "rise/@v0/boat/pubsub/raw/sensor",
		"rise/@v0/*/pubsub/raw/sensor":    "rise/@v0/*/pubsub/raw/sensor",
		"rise/**":                         "rise*",
		"**/sensor":                       "*sensor",
		"rise/**/raw/*":                   "rise*raw/*",
		"**":                              "*",
		"a/[x]/b?":                        `a/\[x\]/b\?`,
	}
	for pattern, want := range tests {
		if got := Glob(pattern); got != want {
			t.Errorf("Glob(%q) = %q, want %q", pattern, got, want)
		}
	}
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)

	wild := newReceived()
	if _, err := tr.Subscribe(ctx, "rise/@v0/*/pubsub/raw/**", wild.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	exact := newReceived()
	if _, err := tr.Subscribe(ctx, "rise/@v0/boat/pubsub/raw/a", exact.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	keys := []string{
		"rise/@v0/boat/pubsub/raw/a",
		"rise/@v0/boat/pubsub/json/b",
		"rise/@v0/buoy/pubsub/raw/c/d",
	}
	for _, key := range keys {
		if err := tr.Publish(ctx, key, []byte("payload")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if diff := cmp.Diff([]string{keys[0], keys[2]}, wild.wait(t, 2)); diff != "" {
		t.Errorf("wildcard deliveries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{keys[0]}, exact.wait(t, 1)); diff != "" {
		t.Errorf("exact deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)

	r := newReceived()
	sub, err := tr.Subscribe(ctx, "a/**", r.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	tr.Publish(ctx, "a/1", nil)
	r.wait(t, 1)

	if err := sub.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	tr.Publish(ctx, "a/2", nil)

	select {
	case <-r.ch:
		t.Error("delivery after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t, WithRetainPrefix("test:latest:"), WithScanCount(2))

	tr.Publish(ctx, "rise/b", []byte("1"))
	tr.Publish(ctx, "rise/a", []byte("1"))
	tr.Publish(ctx, "rise/b", []byte("2"))
	tr.Publish(ctx, "rise/c/d", []byte("1"))
	tr.Publish(ctx, "other/a", []byte("1"))

	if got, _ := mr.Get("test:latest:rise/b"); got != "2" {
		t.Errorf("retained value = %q, want 2", got)
	}

	got := map[string]string{}
	var order []string
	n, err := tr.Query(ctx, "rise/*", func(key string, data []byte) {
		got[key] = string(data)
		order = append(order, key)
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Query returned %d, want 2", n)
	}
	if diff := cmp.Diff(map[string]string{"rise/a": "1", "rise/b": "2"}, got); diff != "" {
		t.Errorf("query values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"rise/a", "rise/b"}, order); diff != "" {
		t.Errorf("query order mismatch (-want +got):\n%s", diff)
	}

	n, err = tr.Query(ctx, "**", func(string, []byte) {})
	if err != nil || n != 4 {
		t.Errorf("Query(**) = %d, %v; want 4, nil", n, err)
	}
}

func TestRetainDisabled(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t, WithRetain(false))

	if err := tr.Publish(ctx, "rise/a", []byte("1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys retained with retention disabled: %v", keys)
	}
}

func TestRetainTTL(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t, WithRetainTTL(time.Minute))

	tr.Publish(ctx, "rise/a", []byte("1"))
	if ttl := mr.TTL(DefaultRetainPrefix + "rise/a"); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if n, _ := tr.Query(ctx, "**", func(string, []byte) {}); n != 0 {
		t.Errorf("expired value still served")
	}
}

func TestClosedTransport(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	tr.Close(ctx)

	if err := tr.Publish(ctx, "a", nil); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("Publish: expected ErrTransportClosed, got %v", err)
	}
	if _, err := tr.Subscribe(ctx, "a", func(string, []byte) {}); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("Subscribe: expected ErrTransportClosed, got %v", err)
	}
	if h := tr.Health(ctx); h.IsHealthy() {
		t.Error("closed transport reports healthy")
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr, mr := newTestTransport(t)

	if h := tr.Health(ctx); !h.IsHealthy() {
		t.Fatalf("expected healthy, got %s: %s", h.Status, h.Message)
	}
	mr.Close()
	if h := tr.Health(ctx); h.IsHealthy() {
		t.Error("expected unhealthy after server shutdown")
	}
}
