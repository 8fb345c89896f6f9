package recorder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rbaliyan/recorder/envelope"
	"github.com/rbaliyan/recorder/ingest"
	"github.com/rbaliyan/recorder/keys"
	"github.com/rbaliyan/recorder/manifest"
	"github.com/rbaliyan/recorder/rotation"
	"github.com/rbaliyan/recorder/writer"
	"syreclabs.com/go/faker"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newClock() *stepClock {
	return &stepClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func newTestRecorder(t *testing.T, opts ...Option) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{
		WithOutputDir(dir),
		WithFilePattern("%Y%m%d_%H%M%S_%f"),
		WithClock(newClock().Now),
		WithPollInterval(5 * time.Millisecond),
		WithMetrics(NewMetrics("test")),
	}, opts...)
	r, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, dir
}

func enclose(t *testing.T, payload []byte) []byte {
	t.Helper()
	data, err := envelope.Enclose(payload, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Enclose failed: %v", err)
	}
	return data
}

func recordings(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*"+writer.Suffix))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	sort.Strings(paths)
	return paths
}

func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestRunDrainsOnCancel(t *testing.T) {
	r, dir := newTestRecorder(t)

	fix := keys.ConstructPubSubKey("rise", "boat", "timestamp", "gnss/0")
	radar := keys.ConstructPubSubKey("rise", "boat", "radar_spoke", "radar/0")
	for i := 0; i < 20; i++ {
		key := fix
		if i%2 == 1 {
			key = radar
		}
		if !r.Enqueue(key, enclose(t, []byte(strconv.Itoa(i)))) {
			t.Fatalf("Enqueue %d rejected", i)
		}
	}

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	files := recordings(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	summary, err := writer.ReadSummary(files[0])
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	want := map[string]uint64{fix: 10, radar: 10}
	if diff := cmp.Diff(want, summary.ChannelMessages); diff != "" {
		t.Errorf("channel counts mismatch (-want +got):\n%s", diff)
	}

	encodings := map[string]string{}
	for _, s := range summary.Schemas {
		encodings[s.Name] = s.Encoding
	}
	wantEnc := map[string]string{"google.protobuf.Timestamp": "protobuf", "radar_spoke": ""}
	if diff := cmp.Diff(wantEnc, encodings); diff != "" {
		t.Errorf("schema encodings mismatch (-want +got):\n%s", diff)
	}

	var got []string
	err = writer.ReadMessages(files[0], func(m writer.Message) error {
		got = append(got, string(m.Data))
		if !m.PublishTime.Equal(time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)) {
			return fmt.Errorf("publish time = %v", m.PublishTime)
		}
		if !m.LogTime.After(m.PublishTime) {
			return fmt.Errorf("log time %v not after publish time", m.LogTime)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadMessages failed: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("read %d messages, want 20", len(got))
	}
	for i, p := range got {
		if p != strconv.Itoa(i) {
			t.Fatalf("message %d = %q, order not preserved", i, p)
		}
	}

	stats := r.Stats()
	if stats.Written != 20 || stats.Dropped != 0 || stats.Files != 1 || stats.Enqueued != 20 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.Running || stats.CurrentFile != "" {
		t.Errorf("recorder still reports running: %+v", stats)
	}
}

func TestRunDropsBadMessages(t *testing.T) {
	r, dir := newTestRecorder(t)
	good := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")

	r.Enqueue("not/a/key", enclose(t, []byte("x")))
	r.Enqueue(good, []byte{0xff})
	r.Enqueue(good, enclose(t, []byte("ok")))

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats := r.Stats()
	if stats.Written != 1 || stats.Dropped != 2 {
		t.Errorf("written=%d dropped=%d, want 1 and 2", stats.Written, stats.Dropped)
	}
	summary, err := writer.ReadSummary(recordings(t, dir)[0])
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	if len(summary.Channels) != 1 || summary.Messages != 1 {
		t.Errorf("malformed key leaked into file: %+v", summary.Channels)
	}
}

func TestRunSizeRotation(t *testing.T) {
	r, dir := newTestRecorder(t,
		WithRotation(rotation.Config{MaxBytes: 1000}),
		WithMessageOverhead(0),
	)
	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	payload := make([]byte, 100)
	for i := 0; i < 50; i++ {
		r.Enqueue(key, enclose(t, payload))
	}

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	files := recordings(t, dir)
	if len(files) != 5 {
		t.Fatalf("expected 5 files, got %d", len(files))
	}
	for i, path := range files {
		s, err := writer.ReadSummary(path)
		if err != nil {
			t.Fatalf("file %d: %v", i, err)
		}
		if s.Messages != 10 {
			t.Errorf("file %d holds %d messages, want 10", i, s.Messages)
		}
		if len(s.Channels) != 1 || len(s.Schemas) != 1 {
			t.Errorf("file %d: catalog not replayed", i)
		}
	}
	if stats := r.Stats(); stats.Rotations != 4 || stats.Files != 5 {
		t.Errorf("rotations=%d files=%d, want 4 and 5", stats.Rotations, stats.Files)
	}
}

func TestSizeRotationWhileKeepingUp(t *testing.T) {
	r, dir := newTestRecorder(t,
		WithRotation(rotation.Config{MaxBytes: 1000}),
		WithMessageOverhead(0),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	payload := make([]byte, 100)
	for i := 0; i < 50; i++ {
		if !r.Enqueue(key, enclose(t, payload)) {
			t.Fatalf("Enqueue %d rejected", i)
		}
		deadline := time.Now().Add(5 * time.Second)
		for r.Stats().Written != uint64(i+1) {
			if time.Now().After(deadline) {
				t.Fatalf("message %d not written", i)
			}
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	files := recordings(t, dir)
	if len(files) != 5 {
		t.Fatalf("expected 5 files, got %d", len(files))
	}
	for i, path := range files {
		s, err := writer.ReadSummary(path)
		if err != nil {
			t.Fatalf("file %d: %v", i, err)
		}
		if s.Messages != 10 {
			t.Errorf("file %d holds %d messages, want 10", i, s.Messages)
		}
	}
	if stats := r.Stats(); stats.Rotations != 4 {
		t.Errorf("rotations = %d, want 4", stats.Rotations)
	}
}

func TestRequestRotation(t *testing.T) {
	r, dir := newTestRecorder(t)
	key := keys.ConstructPubSubKey("rise", "boat", "flag", "switch")
	r.Enqueue(key, enclose(t, []byte{1}))
	r.RequestRotation()

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	files := recordings(t, dir)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	first, err := writer.ReadSummary(files[0])
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	second, err := writer.ReadSummary(files[1])
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	if first.Messages != 0 || second.Messages != 1 {
		t.Errorf("messages = %d, %d; want 0, 1", first.Messages, second.Messages)
	}
}

func TestBackpressureWarning(t *testing.T) {
	var mu sync.Mutex
	var warned []int
	r, _ := newTestRecorder(t,
		WithBackpressure(3, 100),
		WithWarnHandler(func(depth int) {
			mu.Lock()
			warned = append(warned, depth)
			mu.Unlock()
		}),
	)
	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	for i := 0; i < 5; i++ {
		r.Enqueue(key, enclose(t, []byte(faker.Lorem().Word())))
	}

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(warned) == 0 || warned[0] != 5 {
		t.Errorf("warned = %v, want first warning at depth 5", warned)
	}
	if stats := r.Stats(); stats.Written != 5 {
		t.Errorf("warning must not stop recording, written = %d", stats.Written)
	}
}

func TestBackpressureFatal(t *testing.T) {
	r, dir := newTestRecorder(t, WithBackpressure(2, 5))
	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	for i := 0; i < 10; i++ {
		r.Enqueue(key, enclose(t, []byte{byte(i)}))
	}

	err := r.Run(context.Background())
	if !errors.Is(err, ingest.ErrBackpressure) {
		t.Fatalf("Run error = %v, want backpressure", err)
	}
	var bp *ingest.BackpressureError
	if !errors.As(err, &bp) || bp.Depth != 10 || bp.Threshold != 5 {
		t.Errorf("unexpected backpressure detail %+v", bp)
	}

	files := recordings(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	if _, err := writer.ReadSummary(files[0]); err != nil {
		t.Errorf("file not finalized after fatal stop: %v", err)
	}
	if r.Enqueue(key, enclose(t, nil)) {
		t.Error("Enqueue accepted after fatal stop")
	}
	if stats := r.Stats(); stats.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", stats.Rejected)
	}
}

func TestRunOnce(t *testing.T) {
	r, _ := newTestRecorder(t)
	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := r.Run(cancelled()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Run error = %v, want ErrAlreadyStarted", err)
	}
}

func TestManifestAndCloseHandler(t *testing.T) {
	store := manifest.NewMemoryStore()
	var closed []writer.FileInfo
	r, _ := newTestRecorder(t,
		WithSessionID("session-1"),
		WithManifest(store),
		WithCloseHandler(func(info writer.FileInfo) { closed = append(closed, info) }),
	)
	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	r.Enqueue(key, enclose(t, []byte("a")))
	r.RequestRotation()

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	entries, err := store.List(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 || len(closed) != 2 {
		t.Fatalf("entries=%d closed=%d, want 2 each", len(entries), len(closed))
	}
	for i, e := range entries {
		if e.Path != closed[i].Path || e.Sequence != i+1 {
			t.Errorf("entry %d = %+v, close info %+v", i, e, closed[i])
		}
	}
	if entries[0].CloseReason != "signal" || entries[1].CloseReason != "shutdown" {
		t.Errorf("close reasons = %q, %q", entries[0].CloseReason, entries[1].CloseReason)
	}
}

func TestConcurrentProducersKeepOrder(t *testing.T) {
	r, dir := newTestRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	const producers, perProducer = 4, 50
	handler := r.Handler()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			key := keys.ConstructPubSubKey("rise", "boat", "counter", "producer/"+strconv.Itoa(p))
			for i := 0; i < perProducer; i++ {
				handler(key, enclose(t, []byte(strconv.Itoa(i))))
			}
		}(p)
	}
	wg.Wait()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	next := map[string]int{}
	for _, path := range recordings(t, dir) {
		err := writer.ReadMessages(path, func(m writer.Message) error {
			want := strconv.Itoa(next[m.Topic])
			if string(m.Data) != want {
				return fmt.Errorf("%s: got %q, want %q", m.Topic, m.Data, want)
			}
			next[m.Topic]++
			return nil
		})
		if err != nil {
			t.Fatalf("ReadMessages failed: %v", err)
		}
	}
	if len(next) != producers {
		t.Fatalf("recorded %d topics, want %d", len(next), producers)
	}
	for topic, n := range next {
		if n != perProducer {
			t.Errorf("%s: recorded %d, want %d", topic, n, perProducer)
		}
	}
}

func TestFrequencies(t *testing.T) {
	r, _ := newTestRecorder(t)
	if r.Frequencies() != nil {
		t.Fatal("frequencies reported while disabled")
	}

	r, _ = newTestRecorder(t, WithFrequencies(true))
	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	for i := 0; i < 3; i++ {
		r.Enqueue(key, enclose(t, nil))
	}
	freq := r.Frequencies()
	if freq[key] <= 0 {
		t.Errorf("frequency of %s = %v", key, freq[key])
	}
	if again := r.Frequencies(); len(again) != 0 {
		t.Errorf("window not reset: %v", again)
	}

	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	r.Frequencies()
	if r.Enqueue(key, enclose(t, nil)) {
		t.Fatal("Enqueue accepted after Run returned")
	}
	if rejected := r.Frequencies(); len(rejected) != 0 {
		t.Errorf("rejected messages counted: %v", rejected)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics("metrics_test")
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("duplicate registration succeeded")
	}

	r, _ := newTestRecorder(t, WithMetrics(m))
	key := keys.ConstructPubSubKey("rise", "boat", "raw", "sensor")
	r.Enqueue(key, enclose(t, []byte("abcd")))
	r.Enqueue(key, []byte{0xff})
	if err := r.Run(cancelled()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	got := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				got[mf.GetName()] += c.GetValue()
			}
		}
	}
	want := map[string]float64{
		"metrics_test_recorder_messages_written_total":      1,
		"metrics_test_recorder_payload_bytes_written_total": 4,
		"metrics_test_recorder_messages_dropped_total":      1,
		"metrics_test_recorder_files_closed_total":          1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}
