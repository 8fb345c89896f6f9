// Package kafka carries keys over a single Kafka topic.
//
// Every record's key is the bus key and its value is the raw envelope.
// Subscriptions each join their own consumer group, so every subscription
// sees every record, and filter on the record key. Offsets are marked once
// the handler has accepted a record.
//
// Features:
//   - At-least-once consumption via explicit offset marking
//   - Broadcast consumer groups per subscription
//   - Automatic reconnection with exponential backoff
//   - Topic provisioning and health checks
//
// Use sarama.OffsetNewest as Consumer.Offsets.Initial to record only
// traffic published after the recorder starts.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/recorder/transport"
)

// Errors
var (
	ErrClientRequired = errors.New("kafka client is required")
	ErrProducerFailed = errors.New("failed to create kafka producer")
)

// Default configuration
var (
	DefaultTopic       = "keelson"
	DefaultGroupID     = "keelson-record"
	DefaultPartitions  = int32(1)
	DefaultReplication = int16(1)
)

// Transport implements transport.Source and transport.Publisher over Kafka.
// The client is owned by the caller.
type Transport struct {
	status   int32
	client   sarama.Client
	producer sarama.SyncProducer
	topic    string
	groupID  string
	logger   *slog.Logger
	onError  func(error)

	// Topic configuration
	partitions  int32
	replication int16
	retention   time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription implements transport.Subscription for Kafka
type subscription struct {
	id       string
	matcher  *transport.Matcher
	handler  transport.Handler
	consumer sarama.ConsumerGroup
	topic    string
	group    string
	t        *Transport
	closed   int32
	closedCh chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Kafka transport with a pre-initialized client.
//
// Recommended sarama.Config settings:
//
//	config := sarama.NewConfig()
//	config.Producer.Return.Successes = true           // required by SyncProducer
//	config.Consumer.Offsets.Initial = sarama.OffsetNewest
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:      1,
		client:      client,
		topic:       DefaultTopic,
		groupID:     DefaultGroupID,
		partitions:  DefaultPartitions,
		replication: DefaultReplication,
		logger:      transport.Logger("transport>kafka"),
		onError:     func(error) {},
		subs:        make(map[string]*subscription),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.producer == nil {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return nil, errors.Join(ErrProducerFailed, err)
		}
		t.producer = producer
	}

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Topic returns the Kafka topic carrying the bus.
func (t *Transport) Topic() string {
	return t.topic
}

// EnsureTopic creates the bus topic if it does not exist.
func (t *Transport) EnsureTopic(ctx context.Context) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}

	admin, err := sarama.NewClusterAdminFromClient(t.client)
	if err != nil {
		return err
	}
	// closing the admin would close the shared client

	topicDetail := &sarama.TopicDetail{
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replication,
	}
	if t.retention > 0 {
		retentionMs := fmt.Sprintf("%d", t.retention.Milliseconds())
		topicDetail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	err = admin.CreateTopic(t.topic, topicDetail, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("create topic %s: %w", t.topic, err)
	}

	t.logger.Debug("topic ready", "topic", t.topic)
	return nil
}

// Publish produces data with key as the record key.
func (t *Transport) Publish(ctx context.Context, key string, data []byte) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	if err := transport.ValidateKey(key); err != nil {
		return err
	}

	_, _, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: t.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		t.onError(err)
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Subscribe registers handler for every record whose key matches pattern.
// Consumption runs until the subscription or the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, pattern string, handler transport.Handler) (transport.Subscription, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	m, err := transport.Compile(pattern)
	if err != nil {
		return nil, err
	}

	id := transport.NewID()
	group := t.groupID + "-" + id
	consumer, err := sarama.NewConsumerGroupFromClient(group, t.client)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       id,
		matcher:  m,
		handler:  handler,
		consumer: consumer,
		topic:    t.topic,
		group:    group,
		t:        t,
		closedCh: make(chan struct{}),
		cancel:   cancel,
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		sub.consumeLoop(subCtx, t.logger)
	}()

	t.logger.Debug("added subscriber", "pattern", pattern, "subscriber", sub.id, "group", group)
	return sub, nil
}

// Close closes all subscriptions and the producer
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Close(ctx))
	}
	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	// Note: We don't close the client as it was passed in pre-initialized
	// The caller is responsible for closing it

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// Health reports the bus connection. Brokers are dialed lazily, so known
// but unconnected brokers mean degraded rather than down.
func (t *Transport) Health(ctx context.Context) *transport.HealthCheckResult {
	start := time.Now()
	details := map[string]any{"topic": t.topic}
	if !t.isOpen() {
		return transport.Report(start, transport.HealthStatusUnhealthy, "transport closed", details)
	}
	if t.client.Closed() {
		return transport.Report(start, transport.HealthStatusUnhealthy, "client closed", details)
	}

	brokers := t.client.Brokers()
	connected := 0
	for _, b := range brokers {
		if ok, _ := b.Connected(); ok {
			connected++
		}
	}
	t.mu.Lock()
	details["subscriptions"] = len(t.subs)
	t.mu.Unlock()
	details["brokers"] = len(brokers)
	details["connected"] = connected

	switch {
	case len(brokers) == 0:
		return transport.Report(start, transport.HealthStatusUnhealthy, "no brokers known", details)
	case connected == 0:
		return transport.Report(start, transport.HealthStatusDegraded, "no broker connection open", details)
	}
	return transport.Report(start, transport.HealthStatusHealthy,
		fmt.Sprintf("%d of %d brokers connected", connected, len(brokers)), details)
}

// subscription methods

func (s *subscription) ID() string {
	return s.id
}

func (s *subscription) Pattern() string {
	return s.matcher.String()
}

func (s *subscription) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.t.mu.Lock()
	delete(s.t.subs, s.id)
	s.t.mu.Unlock()

	close(s.closedCh)
	s.cancel()
	var err error
	if s.consumer != nil {
		err = s.consumer.Close()
	}
	// Wait for consumer goroutine to exit
	s.wg.Wait()
	return err
}

func (s *subscription) consumeLoop(ctx context.Context, logger *slog.Logger) {
	handler := &consumerHandler{
		sub:    s,
		logger: logger,
	}

	// Exponential backoff for consumer errors
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		default:
			if err := s.consumer.Consume(ctx, []string{s.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				jitteredBackoff := transport.Jitter(backoff, 0.3)
				logger.Error("consumer error, retrying with backoff", "error", err, "backoff", jitteredBackoff)

				select {
				case <-s.closedCh:
					return
				case <-ctx.Done():
					return
				case <-time.After(jitteredBackoff):
				}

				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			// Reset backoff on successful consume
			backoff = 100 * time.Millisecond
		}
	}
}

// consumerHandler implements sarama.ConsumerGroupHandler
type consumerHandler struct {
	sub    *subscription
	logger *slog.Logger
}

func (h *consumerHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Debug("consumer session started", "group", h.sub.group, "member", session.MemberID())
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-h.sub.closedCh:
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			key := string(msg.Key)
			if h.sub.matcher.Match(key) {
				h.sub.handler(key, msg.Value)
			}
			session.MarkMessage(msg, "")
		}
	}
}

// Compile-time checks
var (
	_ transport.Source            = (*Transport)(nil)
	_ transport.Publisher         = (*Transport)(nil)
	_ transport.HealthChecker     = (*Transport)(nil)
	_ transport.Subscription      = (*subscription)(nil)
	_ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)
)
