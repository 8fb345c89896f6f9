// Package transport provides the bus interfaces the recorder subscribes
// through, and key-expression matching shared by the transport
// implementations.
//
// Implementations (channel, redis, nats, kafka) deliver raw envelope bytes
// together with the concrete key they were published on. They never decode
// payloads.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport errors
var (
	ErrTransportClosed    = errors.New("transport closed")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrPublishTimeout     = errors.New("publish timeout")
	ErrInvalidPattern     = errors.New("invalid key expression")
	ErrInvalidKey         = errors.New("invalid key")
)

// Handler receives one delivery: the concrete key and the raw bytes.
// Handlers must not block for long; the recorder's handler only enqueues.
type Handler func(key string, data []byte)

// Subscription is an active interest in a key expression.
type Subscription interface {
	// ID returns the unique subscription identifier
	ID() string

	// Pattern returns the key expression the subscription was created with
	Pattern() string

	// Close undeclares the subscription. A delivery already in progress
	// may still complete.
	Close(ctx context.Context) error
}

// Source delivers messages whose keys match a key expression.
type Source interface {
	// Subscribe registers handler for every key matching pattern.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	// Close shuts down the transport and all subscriptions
	Close(ctx context.Context) error
}

// Publisher sends raw bytes on a concrete key.
type Publisher interface {
	Publish(ctx context.Context, key string, data []byte) error
}

// Querier is an optional interface for transports that retain the latest
// value per key. Query calls handler once per matching key and returns the
// number of keys delivered.
type Querier interface {
	Query(ctx context.Context, pattern string, handler Handler) (int, error)
}

// HealthStatus represents the health state of a component
type HealthStatus string

const (
	// HealthStatusHealthy indicates the component is functioning normally
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates the component is functioning but with issues
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates the component is not functioning
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult contains detailed health information
type HealthCheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy returns true if the status is healthy
func (h *HealthCheckResult) IsHealthy() bool {
	return h.Status == HealthStatusHealthy
}

// Report builds a result checked at start.
func Report(start time.Time, status HealthStatus, message string, details map[string]any) *HealthCheckResult {
	return &HealthCheckResult{
		Status:    status,
		Message:   message,
		Latency:   time.Since(start),
		Details:   details,
		CheckedAt: start,
	}
}

// HealthChecker is an optional interface that transports can implement
// to provide health check capabilities for monitoring and readiness probes.
type HealthChecker interface {
	// Health performs a health check and returns the result.
	// The context can be used to set a timeout for the health check.
	Health(ctx context.Context) *HealthCheckResult
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
