// Package recorder ties the ingestion queue, the catalogs and the rotating
// writer into the recording loop.
//
// Bus deliveries call Enqueue from any goroutine. A single loop started by
// Run dequeues, resolves unseen topics, rotates when due and writes. Only
// that loop touches the catalogs and the active file.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/recorder/catalog"
	"github.com/rbaliyan/recorder/envelope"
	"github.com/rbaliyan/recorder/ingest"
	"github.com/rbaliyan/recorder/keys"
	"github.com/rbaliyan/recorder/manifest"
	"github.com/rbaliyan/recorder/rotation"
	"github.com/rbaliyan/recorder/writer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("recorder already started")

// Drop reasons
const (
	DropDecode       = "decode"
	DropMalformedKey = "malformed_key"
	DropRejected     = "rejected"
)

// Stats is a point-in-time view of a recorder.
type Stats struct {
	SessionID   string `json:"session_id"`
	Running     bool   `json:"running"`
	Enqueued    uint64 `json:"enqueued"`
	Rejected    uint64 `json:"rejected"`
	Written     uint64 `json:"written"`
	Dropped     uint64 `json:"dropped"`
	Bytes       uint64 `json:"bytes"`
	Rotations   uint64 `json:"rotations"`
	Files       uint64 `json:"files"`
	QueueDepth  int    `json:"queue_depth"`
	CurrentFile string `json:"current_file"`
}

// Recorder records bus messages into rotating files.
type Recorder struct {
	opts     *options
	queue    *ingest.Queue
	monitor  *ingest.Monitor
	schemas  *catalog.Schemas
	channels *catalog.Channels
	writer   *writer.Writer
	freq     *frequencies
	tracer   trace.Tracer

	started   atomic.Bool
	running   atomic.Bool
	rejected  atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
	rotations atomic.Uint64
	files     atomic.Uint64
	current   atomic.Pointer[string]
}

// New creates a recorder. Nothing is written until Run.
func New(opts ...Option) (*Recorder, error) {
	o := newOptions(opts...)
	if o.dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	r := &Recorder{
		opts:   o,
		queue:  ingest.NewQueue(),
		tracer: otel.Tracer("recorder"),
	}
	r.schemas = catalog.NewSchemas(o.resolver, o.logger)
	r.channels = catalog.NewChannels(r.schemas)

	monitorOpts := []ingest.MonitorOption{
		ingest.WithThresholds(o.warnDepth, o.errorDepth),
		ingest.WithCheckInterval(o.checkEvery),
		ingest.WithMonitorLogger(o.logger),
	}
	if o.onWarn != nil {
		monitorOpts = append(monitorOpts, ingest.WithWarnHandler(o.onWarn))
	}
	r.monitor = ingest.NewMonitor(r.queue, monitorOpts...)

	writerOpts := []writer.Option{
		writer.WithDir(o.dir),
		writer.WithPattern(o.pattern),
		writer.WithRotation(o.rotation),
		writer.WithClock(o.now),
		writer.WithSessionID(o.sessionID),
		writer.WithChunkSize(o.chunkSize),
		writer.WithCloseHandler(r.fileClosed),
		writer.WithLogger(o.logger),
	}
	if o.overhead != nil {
		writerOpts = append(writerOpts, writer.WithMessageOverhead(*o.overhead))
	}
	r.writer = writer.New(r.schemas, r.channels, writerOpts...)

	if o.frequencies {
		r.freq = newFrequencies(o.now())
	}
	o.metrics.bindDepth(r.queue.Len)
	return r, nil
}

// Enqueue hands a raw envelope received on key to the recording loop,
// stamped with the current time. It never blocks on the writer and is
// safe for concurrent use. It returns false once the recorder has stopped
// accepting messages.
func (r *Recorder) Enqueue(key string, data []byte) bool {
	if !r.queue.Enqueue(r.opts.now(), key, data) {
		r.rejected.Add(1)
		r.opts.metrics.messageDropped(DropRejected)
		return false
	}
	if r.freq != nil {
		r.freq.observe(key)
	}
	return true
}

// Handler returns Enqueue as a bus callback.
func (r *Recorder) Handler() func(key string, data []byte) {
	return func(key string, data []byte) {
		r.Enqueue(key, data)
	}
}

// RequestRotation asks for a rotation before the next message. It is
// safe to call from a signal handler goroutine.
func (r *Recorder) RequestRotation() {
	r.writer.RequestRotation()
}

// Run records until ctx is cancelled or a fatal error occurs.
//
// On cancellation the queue stops accepting messages, is drained to
// empty, the active file is closed and Run returns nil. On backpressure
// Run stops without draining, closes the active file and returns an
// *ingest.BackpressureError. Any open, write or close failure is returned
// after the active file has been closed. The active file is closed
// exactly once on every path.
func (r *Recorder) Run(ctx context.Context) (err error) {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	r.running.Store(true)
	defer r.running.Store(false)
	defer r.queue.Close()

	if err := r.writer.Open(); err != nil {
		r.opts.logger.Error("cannot open recording", "error", err)
		return err
	}
	r.setCurrent()
	defer func() {
		if cerr := r.writer.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		r.current.Store(nil)
	}()

	fatal := make(chan error, 1)
	if err := r.monitor.Check(); err != nil {
		return err
	}
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go func() {
		if err := r.monitor.Run(monitorCtx); err != nil {
			fatal <- err
		}
	}()

	r.opts.logger.Info("recording started", "session", r.writer.SessionID(), "dir", r.opts.dir)
	draining := false
	for {
		select {
		case err := <-fatal:
			r.opts.logger.Error("stopping without draining", "error", err, "pending", r.queue.Len())
			return err
		default:
		}

		if !draining && ctx.Err() != nil {
			draining = true
			r.queue.Close()
			r.opts.logger.Info("draining queue", "pending", r.queue.Len())
		}

		// Signal and time triggers fire on idle ticks too.
		if err := r.maybeRotate(false); err != nil {
			return err
		}

		entry, err := r.queue.Dequeue(r.opts.pollInterval)
		switch {
		case errors.Is(err, ingest.ErrClosed):
			r.opts.logger.Info("recording stopped", "written", r.written.Load(), "dropped", r.dropped.Load())
			return nil
		case errors.Is(err, ingest.ErrTimeout):
			continue
		}

		if err := r.maybeRotate(true); err != nil {
			return err
		}
		if err := r.record(entry); err != nil {
			return err
		}
	}
}

func (r *Recorder) maybeRotate(pending bool) error {
	reason := r.writer.ShouldRotate(pending)
	if reason == rotation.None {
		return nil
	}

	_, span := r.tracer.Start(context.Background(), "recorder.rotate",
		trace.WithAttributes(
			attribute.String("rotation.reason", reason.String()),
			attribute.String("rotation.from", r.writer.Path()),
		))
	defer span.End()

	start := time.Now()
	if err := r.writer.Rotate(reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotation failed")
		return err
	}
	span.SetAttributes(attribute.String("rotation.to", r.writer.Path()))

	r.rotations.Add(1)
	r.opts.metrics.rotated(reason.String())
	r.setCurrent()
	r.opts.logger.Info("rotation completed", "reason", reason.String(), "elapsed", time.Since(start))
	return nil
}

// record writes one entry. Per-message failures are logged and dropped;
// only writer failures are returned.
func (r *Recorder) record(e ingest.Entry) error {
	env, err := envelope.Open(e.Data)
	if err != nil {
		r.drop(DropDecode, e.Key, err)
		return nil
	}

	id, err := r.resolve(e.Key)
	if err != nil {
		if errors.Is(err, keys.ErrMalformedKey) {
			r.drop(DropMalformedKey, e.Key, err)
			return nil
		}
		return err
	}

	if err := r.writer.WriteMessage(id, e.ReceivedAt, env.EnclosedAt, env.Payload); err != nil {
		return err
	}
	r.written.Add(1)
	r.bytes.Add(uint64(len(env.Payload)))
	r.opts.metrics.messageWritten(len(env.Payload))
	return nil
}

// resolve returns the file-local channel id of key, registering its
// schema and channel on first sight.
func (r *Recorder) resolve(key string) (uint16, error) {
	if id, ok := r.writer.ChannelID(key); ok {
		return id, nil
	}
	subject, err := keys.SubjectOf(key)
	if err != nil {
		return 0, err
	}
	id, err := r.writer.EnsureChannel(key, subject)
	if err != nil {
		return 0, err
	}
	r.opts.logger.Debug("new topic", "key", key, "subject", subject)
	return id, nil
}

func (r *Recorder) drop(reason, key string, err error) {
	r.dropped.Add(1)
	r.opts.metrics.messageDropped(reason)
	r.opts.logger.Warn("dropping message", "reason", reason, "key", key, "error", err)
}

func (r *Recorder) setCurrent() {
	path := r.writer.Path()
	r.current.Store(&path)
}

func (r *Recorder) fileClosed(info writer.FileInfo) {
	r.files.Add(1)
	r.opts.metrics.fileClosed()

	if r.opts.manifest != nil {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultManifestTimeout)
		err := r.opts.manifest.Record(ctx, manifest.Entry{
			Path:        info.Path,
			SessionID:   info.SessionID,
			Sequence:    info.Sequence,
			OpenedAt:    info.OpenedAt,
			ClosedAt:    info.ClosedAt,
			Messages:    info.Messages,
			Bytes:       info.Bytes,
			Schemas:     info.Schemas,
			Channels:    info.Channels,
			OpenReason:  info.OpenReason.String(),
			CloseReason: info.CloseReason.String(),
		})
		cancel()
		if err != nil {
			r.opts.logger.Error("failed to record manifest entry", "path", info.Path, "error", err)
		}
	}
	if r.opts.onClose != nil {
		r.opts.onClose(info)
	}
}

// Stats returns current counters. It is safe for concurrent use.
func (r *Recorder) Stats() Stats {
	s := Stats{
		SessionID:  r.writer.SessionID(),
		Running:    r.running.Load(),
		Enqueued:   r.queue.Enqueued(),
		Rejected:   r.rejected.Load(),
		Written:    r.written.Load(),
		Dropped:    r.dropped.Load(),
		Bytes:      r.bytes.Load(),
		Rotations:  r.rotations.Load(),
		Files:      r.files.Load(),
		QueueDepth: r.queue.Len(),
	}
	if p := r.current.Load(); p != nil {
		s.CurrentFile = *p
	}
	return s
}

// Frequencies returns messages per second per key since the previous
// call. It returns nil unless enabled with WithFrequencies.
func (r *Recorder) Frequencies() map[string]float64 {
	if r.freq == nil {
		return nil
	}
	return r.freq.snapshot(r.opts.now())
}
