package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDepth struct {
	n atomic.Int64
}

func (f *fakeDepth) Len() int { return int(f.n.Load()) }

func TestMonitorCheck(t *testing.T) {
	depth := &fakeDepth{}
	var warnings []int
	m := NewMonitor(depth,
		WithThresholds(100, 1000),
		WithWarnHandler(func(d int) { warnings = append(warnings, d) }),
	)

	t.Run("below warn", func(t *testing.T) {
		depth.n.Store(99)
		if err := m.Check(); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if len(warnings) != 0 {
			t.Errorf("unexpected warnings %v", warnings)
		}
	})

	t.Run("warn band is rate limited", func(t *testing.T) {
		depth.n.Store(100)
		for i := 0; i < 5; i++ {
			if err := m.Check(); err != nil {
				t.Fatalf("Check failed: %v", err)
			}
		}
		if len(warnings) != 1 || warnings[0] != 100 {
			t.Errorf("warnings = %v, want [100]", warnings)
		}
	})

	t.Run("error threshold", func(t *testing.T) {
		depth.n.Store(1000)
		err := m.Check()
		if !errors.Is(err, ErrBackpressure) {
			t.Fatalf("expected ErrBackpressure, got %v", err)
		}
		var be *BackpressureError
		if !errors.As(err, &be) {
			t.Fatalf("expected *BackpressureError, got %T", err)
		}
		if be.Depth != 1000 || be.Threshold != 1000 {
			t.Errorf("unexpected error %+v", be)
		}
	})
}

func TestMonitorRun(t *testing.T) {
	depth := &fakeDepth{}
	m := NewMonitor(depth, WithThresholds(10, 20), WithCheckInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	depth.n.Store(25)

	select {
	case err := <-done:
		if !errors.Is(err, ErrBackpressure) {
			t.Fatalf("Run returned %v, want ErrBackpressure", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not detect backpressure")
	}
	cancel()

	ctx, cancel = context.WithCancel(context.Background())
	depth.n.Store(0)
	go func() { done <- m.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestMonitorThresholdsOrdered(t *testing.T) {
	depth := &fakeDepth{}
	m := NewMonitor(depth, WithThresholds(50, 10))
	depth.n.Store(50)
	if err := m.Check(); err != nil {
		t.Errorf("warn depth treated as fatal: %v", err)
	}
	depth.n.Store(51)
	if err := m.Check(); !errors.Is(err, ErrBackpressure) {
		t.Errorf("expected ErrBackpressure above adjusted threshold, got %v", err)
	}
}
