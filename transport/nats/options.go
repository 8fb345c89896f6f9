package nats

import (
	"log/slog"

	"github.com/rbaliyan/recorder/transport"
)

// Default pending limits of each NATS subscription. Negative values lift
// the limit, so a busy bus never turns the recorder into a slow consumer.
var (
	DefaultPendingMsgs  = -1
	DefaultPendingBytes = -1
)

type options struct {
	pendingMsgs  int
	pendingBytes int
	logger       *slog.Logger
	onError      func(error)
}

// Option configures the NATS transport
type Option func(*options)

// WithPendingLimits sets the per-subscription pending limits. Use -1 for
// no limit.
func WithPendingLimits(msgs, bytes int) Option {
	return func(o *options) {
		o.pendingMsgs = msgs
		o.pendingBytes = bytes
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		if fn != nil {
			o.onError = fn
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		pendingMsgs:  DefaultPendingMsgs,
		pendingBytes: DefaultPendingBytes,
		logger:       transport.Logger("transport>nats"),
		onError:      func(error) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
