package writer

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/recorder/rotation"
)

// DefaultLibrary is written to every file header.
var DefaultLibrary = "keelson-record"

// FileInfo describes a finalized file.
type FileInfo struct {
	Path        string
	SessionID   string
	Sequence    int
	OpenedAt    time.Time
	ClosedAt    time.Time
	Messages    uint64
	Bytes       int64
	Schemas     int
	Channels    int
	OpenReason  rotation.Reason
	CloseReason rotation.Reason
}

type options struct {
	dir       string
	pattern   string
	rotation  rotation.Config
	overhead  *uint64
	now       func() time.Time
	sessionID string
	library   string
	chunkSize int64
	onClose   func(FileInfo)
	logger    *slog.Logger
}

// Option configures a Writer.
type Option func(*options)

// WithDir sets the output directory. It is created if missing.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithPattern sets the strftime file name pattern.
func WithPattern(pattern string) Option {
	return func(o *options) {
		if pattern != "" {
			o.pattern = pattern
		}
	}
}

// WithRotation sets the time and size triggers.
func WithRotation(cfg rotation.Config) Option {
	return func(o *options) {
		o.rotation = cfg
	}
}

// WithMessageOverhead overrides the per-message size estimate.
func WithMessageOverhead(n uint64) Option {
	return func(o *options) {
		o.overhead = &n
	}
}

// WithClock sets the time source for names and rotation.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSessionID tags every file with id.
func WithSessionID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.sessionID = id
		}
	}
}

// WithLibrary sets the header library string.
func WithLibrary(library string) Option {
	return func(o *options) {
		if library != "" {
			o.library = library
		}
	}
}

// WithChunkSize enables chunked output with the given chunk size.
// Chunks are never compressed.
func WithChunkSize(n int64) Option {
	return func(o *options) {
		o.chunkSize = n
	}
}

// WithCloseHandler is called after each file is finalized.
func WithCloseHandler(fn func(FileInfo)) Option {
	return func(o *options) {
		if fn != nil {
			o.onClose = fn
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
		dir:       ".",
		pattern:   DefaultPattern,
		now:       time.Now,
		sessionID: uuid.NewString(),
		library:   DefaultLibrary,
		onClose:   func(FileInfo) {},
		logger:    slog.Default().With("component", "writer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
