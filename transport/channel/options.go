package channel

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/recorder/transport"
)

// Default configuration values
var (
	// DefaultBufferSize is the per-subscription buffer when async is enabled
	DefaultBufferSize uint = 100
)

// options holds configuration for transport (unexported)
type options struct {
	bufferSize uint
	async      bool
	retain     bool
	timeout    time.Duration
	onError    func(error)
	logger     *slog.Logger
}

// Option configures the channel transport
type Option func(*options)

// WithBufferSize sets the per-subscription buffer size in async mode.
func WithBufferSize(size uint) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// WithAsync enables/disables async handler execution.
// When enabled, each subscription runs its handler on its own goroutine
// fed by a buffered channel, and buffer size defaults to
// DefaultBufferSize if not explicitly set.
// When disabled (default), Publish calls handlers synchronously.
func WithAsync(enabled bool) Option {
	return func(o *options) {
		o.async = enabled
	}
}

// WithRetain enables/disables keeping the latest value per key for Query.
// Enabled by default.
func WithRetain(enabled bool) Option {
	return func(o *options) {
		o.retain = enabled
	}
}

// WithTimeout sets the timeout for handing a message to a subscriber in
// async mode. Set to 0 for no timeout (block indefinitely).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithErrorHandler sets the error handler callback.
// Called when transport encounters errors (e.g., send timeout).
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithLogger sets the logger for transport
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		retain:  true,
		onError: func(error) {},
		logger:  transport.Logger("transport>channel"),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.async && o.bufferSize == 0 {
		o.bufferSize = DefaultBufferSize
	}

	return o
}
