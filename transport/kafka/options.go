package kafka

import (
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Option configures the Kafka transport
type Option func(*Transport)

// WithTopic sets the Kafka topic that carries every key
func WithTopic(topic string) Option {
	return func(t *Transport) {
		if topic != "" {
			t.topic = topic
		}
	}
}

// WithConsumerGroup sets the base consumer group ID. Every subscription
// joins its own group derived from it, so each receives every record.
func WithConsumerGroup(groupID string) Option {
	return func(t *Transport) {
		if groupID != "" {
			t.groupID = groupID
		}
	}
}

// WithPartitions sets the number of partitions used by EnsureTopic
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplication sets the replication factor used by EnsureTopic
func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets the message retention time used by EnsureTopic.
// Maps to Kafka topic config "retention.ms".
//
// Set to 0 (default) to use broker's default retention (usually 7 days).
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithProducer sets the producer used by Publish instead of one created
// from the client.
func WithProducer(p sarama.SyncProducer) Option {
	return func(t *Transport) {
		if p != nil {
			t.producer = p
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
