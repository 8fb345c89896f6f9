package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/recorder/config"
	"github.com/rbaliyan/recorder/transport"
	"github.com/rbaliyan/recorder/transport/kafka"
	natstransport "github.com/rbaliyan/recorder/transport/nats"
	redistransport "github.com/rbaliyan/recorder/transport/redis"
	goredis "github.com/redis/go-redis/v9"
)

// bus is a connected transport and the connection underneath it.
type bus struct {
	source    transport.Source
	closeConn func()
	logger    *slog.Logger
}

func (b *bus) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.source.Close(ctx); err != nil {
		b.logger.Warn("failed to close transport", "error", err)
	}
	if b.closeConn != nil {
		b.closeConn()
	}
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bus, error) {
	logger = logger.With("component", "transport", "transport", cfg.Transport)
	onError := func(err error) { logger.Warn("transport error", "error", err) }

	switch cfg.Transport {
	case config.TransportNATS:
		conn, err := nats.Connect(cfg.Connect,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("reconnected", "url", c.ConnectedUrl())
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		t, err := natstransport.New(conn,
			natstransport.WithLogger(logger),
			natstransport.WithErrorHandler(onError))
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &bus{source: t, closeConn: conn.Close, logger: logger}, nil

	case config.TransportRedis:
		opts, err := goredis.ParseURL(cfg.Connect)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		t, err := redistransport.New(client,
			redistransport.WithLogger(logger),
			redistransport.WithErrorHandler(onError))
		if err != nil {
			client.Close()
			return nil, err
		}
		return &bus{source: t, closeConn: func() { _ = client.Close() }, logger: logger}, nil

	case config.TransportKafka:
		sc := sarama.NewConfig()
		sc.ClientID = name
		sc.Producer.Return.Successes = true
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
		client, err := sarama.NewClient(strings.Split(cfg.Connect, ","), sc)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		t, err := kafka.New(client,
			kafka.WithTopic(cfg.KafkaTopic),
			kafka.WithLogger(logger),
			kafka.WithErrorHandler(onError))
		if err != nil {
			client.Close()
			return nil, err
		}
		if err := t.EnsureTopic(ctx); err != nil {
			logger.Warn("failed to ensure topic", "topic", t.Topic(), "error", err)
		}
		return &bus{source: t, closeConn: func() { _ = client.Close() }, logger: logger}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
