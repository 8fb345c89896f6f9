package redis

import (
	"log/slog"
	"time"
)

// Option configures the Redis transport
type Option func(*Transport)

// WithChannelPrefix sets the prefix of the pub/sub channel a key is
// published on.
func WithChannelPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.channelPrefix = prefix
		}
	}
}

// WithRetain enables/disables keeping the latest value of every published
// key, which Query serves.
func WithRetain(enabled bool) Option {
	return func(t *Transport) {
		t.retain = enabled
	}
}

// WithRetainPrefix sets the prefix of the keys holding latest values.
func WithRetainPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.retainPrefix = prefix
		}
	}
}

// WithRetainTTL expires retained values after d. Zero keeps them forever.
func WithRetainTTL(d time.Duration) Option {
	return func(t *Transport) {
		if d >= 0 {
			t.retainTTL = d
		}
	}
}

// WithScanCount sets the COUNT hint used when Query scans retained keys.
func WithScanCount(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.scanCount = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}
