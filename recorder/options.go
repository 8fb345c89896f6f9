package recorder

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/recorder/catalog"
	"github.com/rbaliyan/recorder/ingest"
	"github.com/rbaliyan/recorder/manifest"
	"github.com/rbaliyan/recorder/rotation"
	"github.com/rbaliyan/recorder/subjects"
	"github.com/rbaliyan/recorder/writer"
)

// Default configuration
var (
	// DefaultPollInterval bounds how long the loop waits for a message
	// before re-evaluating time and signal triggers.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultManifestTimeout bounds a single manifest write.
	DefaultManifestTimeout = 5 * time.Second
)

type options struct {
	dir          string
	pattern      string
	rotation     rotation.Config
	overhead     *uint64
	chunkSize    int64
	sessionID    string
	resolver     catalog.Resolver
	warnDepth    int
	errorDepth   int
	checkEvery   time.Duration
	pollInterval time.Duration
	onWarn       func(depth int)
	onClose      func(writer.FileInfo)
	manifest     manifest.Store
	metrics      *Metrics
	frequencies  bool
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Recorder.
type Option func(*options)

// WithOutputDir sets the directory recordings are written to.
func WithOutputDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithFilePattern sets the strftime file name pattern.
func WithFilePattern(pattern string) Option {
	return func(o *options) {
		o.pattern = pattern
	}
}

// WithRotation sets the time and size rotation triggers.
func WithRotation(cfg rotation.Config) Option {
	return func(o *options) {
		o.rotation = cfg
	}
}

// WithMessageOverhead overrides the per-message size estimate used by the
// size trigger.
func WithMessageOverhead(n uint64) Option {
	return func(o *options) {
		o.overhead = &n
	}
}

// WithChunkSize enables chunked (uncompressed) container output.
func WithChunkSize(n int64) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithSessionID sets the id stamped on every file of this run.
func WithSessionID(id string) Option {
	return func(o *options) {
		o.sessionID = id
	}
}

// WithResolver sets the well-known subject registry. The built-in
// registry is used by default.
func WithResolver(r catalog.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithBackpressure sets the queue depth thresholds.
func WithBackpressure(warnDepth, errorDepth int) Option {
	return func(o *options) {
		o.warnDepth = warnDepth
		o.errorDepth = errorDepth
	}
}

// WithCheckInterval sets how often queue depth is checked.
func WithCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.checkEvery = d
	}
}

// WithPollInterval sets the dequeue timeout of the recording loop.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithWarnHandler is called when the queue depth crosses the warn threshold.
func WithWarnHandler(fn func(depth int)) Option {
	return func(o *options) {
		o.onWarn = fn
	}
}

// WithCloseHandler is called after each file is finalized.
func WithCloseHandler(fn func(writer.FileInfo)) Option {
	return func(o *options) {
		o.onClose = fn
	}
}

// WithManifest records every finalized file in store.
func WithManifest(store manifest.Store) Option {
	return func(o *options) {
		o.manifest = store
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithFrequencies enables per-key rate tracking.
func WithFrequencies(enabled bool) Option {
	return func(o *options) {
		o.frequencies = enabled
	}
}

// WithClock sets the time source for receipt stamps, names and rotation.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		dir:          ".",
		pattern:      writer.DefaultPattern,
		warnDepth:    ingest.DefaultWarnDepth,
		errorDepth:   ingest.DefaultErrorDepth,
		checkEvery:   ingest.DefaultCheckInterval,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       slog.Default().With("component", "recorder"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics("")
	}
	if o.resolver == nil {
		o.resolver = subjects.Default()
	}
	return o
}
