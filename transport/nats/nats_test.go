package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/recorder/transport"
)

func TestSubjectOf(t *testing.T) {
	got, err := SubjectOf("rise/@v0/boat/pubsub/raw/sensor")
	if err != nil {
		t.Fatalf("SubjectOf failed: %v", err)
	}
	if got != "rise.@v0.boat.pubsub.raw.sensor" {
		t.Errorf("SubjectOf = %q", got)
	}
	if key := KeyOf(got); key != "rise/@v0/boat/pubsub/raw/sensor" {
		t.Errorf("KeyOf = %q", key)
	}

	for _, key := range []string{"rise/v1.2/x", "a/>/b", "a/b c", "a/*/b", ""} {
		if _, err := SubjectOf(key); !errors.Is(err, transport.ErrInvalidKey) {
			t.Errorf("SubjectOf(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestSubjectsFor(t *testing.T) {
	tests := []struct {
		pattern string
		want    []string
	}{
		{"rise/@v0/boat/pubsub/raw/sensor", []string{"rise.@v0.boat.pubsub.raw.sensor"}},
		{"rise/@v0/*/pubsub/raw/sensor", []string{"rise.@v0.*.pubsub.raw.sensor"}},
		{"rise/@v0/boat/pubsub/sensor*", []string{"rise.@v0.boat.pubsub.*"}},
		{"rise/**", []string{"rise", "rise.>"}},
		{"rise/**/raw/*", []string{"rise", "rise.>"}},
		{"**", []string{">"}},
		{"**/sensor", []string{">"}},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := SubjectsFor(tt.pattern)
			if err != nil {
				t.Fatalf("SubjectsFor failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("subjects mismatch (-want +got):\n%s", diff)
			}
		})
	}

	for _, pattern := range []string{"a//b", "a.b/**"} {
		if _, err := SubjectsFor(pattern); !errors.Is(err, transport.ErrInvalidPattern) {
			t.Errorf("SubjectsFor(%q) error = %v, want ErrInvalidPattern", pattern, err)
		}
	}
}

func TestNewRequiresConn(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrConnRequired) {
		t.Errorf("expected ErrConnRequired, got %v", err)
	}
}

func TestHandleMessageFilters(t *testing.T) {
	var got []string
	sub := &subscription{
		matcher: transport.MustCompile("rise/**/raw/*"),
		handler: func(key string, _ []byte) { got = append(got, key) },
	}
	for _, subject := range []string{"rise.raw.a", "rise.@v0.boat.pubsub.raw.b", "rise.@v0.boat.pubsub.json.c"} {
		sub.handleMessage(&nats.Msg{Subject: subject})
	}
	if diff := cmp.Diff([]string{"rise/raw/a", "rise/@v0/boat/pubsub/raw/b"}, got); diff != "" {
		t.Errorf("filtered deliveries mismatch (-want +got):\n%s", diff)
	}
}

func TestHealth(t *testing.T) {
	ctx := context.Background()
	tr, err := New(&nats.Conn{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	h := tr.Health(ctx)
	if h.Status != transport.HealthStatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", h.Status)
	}
	if h.Details["connection"] != nats.DISCONNECTED.String() {
		t.Errorf("details = %v", h.Details)
	}

	tr.status = 0
	if h := tr.Health(ctx); h.Message != "transport closed" {
		t.Errorf("message = %q, want transport closed", h.Message)
	}
}
