package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/recorder/transport"
	"syreclabs.com/go/faker"
)

type collector struct {
	mu   sync.Mutex
	got  []string
	data map[string]string
}

func newCollector() *collector {
	return &collector{data: make(map[string]string)}
}

func (c *collector) handle(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, key)
	c.data[key] = string(data)
}

func (c *collector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	all := newCollector()
	boat := newCollector()
	if _, err := tr.Subscribe(ctx, "rise/**", all.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := tr.Subscribe(ctx, "rise/@v0/boat/**", boat.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	keys := []string{
		"rise/@v0/boat/pubsub/raw/a",
		"rise/@v0/buoy/pubsub/raw/b",
		"other/@v0/boat/pubsub/raw/c",
		"rise/@v0/boat/pubsub/raw/a",
	}
	for _, key := range keys {
		if err := tr.Publish(ctx, key, []byte(faker.Lorem().Word())); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	wantAll := []string{keys[0], keys[1], keys[3]}
	if diff := cmp.Diff(wantAll, all.keys()); diff != "" {
		t.Errorf("rise/** deliveries mismatch (-want +got):\n%s", diff)
	}
	wantBoat := []string{keys[0], keys[3]}
	if diff := cmp.Diff(wantBoat, boat.keys()); diff != "" {
		t.Errorf("boat deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	c := newCollector()
	sub, err := tr.Subscribe(ctx, "a/*", c.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sub.Pattern() != "a/*" || sub.ID() == "" {
		t.Errorf("unexpected subscription %s %q", sub.ID(), sub.Pattern())
	}

	tr.Publish(ctx, "a/1", nil)
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sub.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	tr.Publish(ctx, "a/2", nil)

	if diff := cmp.Diff([]string{"a/1"}, c.keys()); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidInput(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	if _, err := tr.Subscribe(ctx, "a//b", func(string, []byte) {}); !errors.Is(err, transport.ErrInvalidPattern) {
		t.Errorf("expected ErrInvalidPattern, got %v", err)
	}
	if err := tr.Publish(ctx, "a/*/b", nil); !errors.Is(err, transport.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestClosedTransport(t *testing.T) {
	ctx := context.Background()
	tr := New()
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := tr.Subscribe(ctx, "a", func(string, []byte) {}); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("Subscribe: expected ErrTransportClosed, got %v", err)
	}
	if err := tr.Publish(ctx, "a", nil); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("Publish: expected ErrTransportClosed, got %v", err)
	}
	if _, err := tr.Query(ctx, "a", func(string, []byte) {}); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("Query: expected ErrTransportClosed, got %v", err)
	}
	if h := tr.Health(ctx); h.IsHealthy() {
		t.Error("closed transport reports healthy")
	}
}

func TestQueryLatest(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.Publish(ctx, "rise/b", []byte("1"))
	tr.Publish(ctx, "rise/a", []byte("1"))
	tr.Publish(ctx, "rise/b", []byte("2"))
	tr.Publish(ctx, "other/c", []byte("1"))

	c := newCollector()
	n, err := tr.Query(ctx, "rise/*", c.handle)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Query returned %d keys, want 2", n)
	}
	if diff := cmp.Diff([]string{"rise/a", "rise/b"}, c.keys()); diff != "" {
		t.Errorf("query order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"rise/a": "1", "rise/b": "2"}, c.data); diff != "" {
		t.Errorf("query values mismatch (-want +got):\n%s", diff)
	}

	t.Run("retain disabled", func(t *testing.T) {
		tr := New(WithRetain(false))
		defer tr.Close(ctx)
		tr.Publish(ctx, "rise/a", []byte("1"))
		n, err := tr.Query(ctx, "**", func(string, []byte) {})
		if err != nil || n != 0 {
			t.Errorf("Query = %d, %v; want 0, nil", n, err)
		}
	})
}

func TestAsyncDelivery(t *testing.T) {
	ctx := context.Background()
	tr := New(WithAsync(true))
	defer tr.Close(ctx)

	received := make(chan string, 10)
	_, err := tr.Subscribe(ctx, "**", func(key string, _ []byte) { received <- key })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for _, key := range []string{"a/1", "a/2", "a/3"} {
		if err := tr.Publish(ctx, key, nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	var got []string
	for len(got) < 3 {
		select {
		case key := <-received:
			got = append(got, key)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	if diff := cmp.Diff([]string{"a/1", "a/2", "a/3"}, got); diff != "" {
		t.Errorf("async order mismatch (-want +got):\n%s", diff)
	}
}

func TestAsyncTimeout(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var errs []error
	tr := New(
		WithAsync(true),
		WithBufferSize(1),
		WithTimeout(10*time.Millisecond),
		WithErrorHandler(func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}),
	)
	defer tr.Close(ctx)

	block := make(chan struct{})
	sub, err := tr.Subscribe(ctx, "**", func(string, []byte) { <-block })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// one in the handler, one buffered, the rest time out
	for i := 0; i < 4; i++ {
		tr.Publish(ctx, "a/b", nil)
	}
	close(block)
	sub.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(errs) == 0 {
		t.Fatal("expected publish timeouts")
	}
	for _, err := range errs {
		if !errors.Is(err, transport.ErrPublishTimeout) {
			t.Errorf("unexpected error %v", err)
		}
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	tr.Subscribe(ctx, "**", func(string, []byte) {})
	tr.Publish(ctx, "a", nil)

	h := tr.Health(ctx)
	if !h.IsHealthy() {
		t.Fatalf("expected healthy, got %s", h.Status)
	}
	if h.Details["subscribers"] != 1 || h.Details["retained_keys"] != 1 {
		t.Errorf("unexpected details %v", h.Details)
	}
}
