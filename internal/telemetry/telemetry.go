// Package telemetry provides an optional Redis pub/sub fanout of
// state-machine snapshots, for device-farm and CI harnesses that want
// to observe many engine instances from one place. It is off by
// default: a single engine process never requires Redis to function.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomekzaw/expo-updates-engine/internal/statemachine"
)

// Config configures the Redis connection used for fanout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string // defaults to "expo-updates-engine:snapshots"
}

// Publisher publishes statemachine.Context snapshots to a Redis
// channel. Safe for concurrent use; intended to be subscribed to the
// machine via Publisher.Observer().
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewPublisher connects to Redis and verifies it is reachable.
func NewPublisher(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "expo-updates-engine:snapshots"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, &ErrConnectionFailed{Addr: cfg.Addr, Cause: err}
	}

	logger.Info("telemetry publisher connected", "addr", cfg.Addr, "channel", channel)
	return &Publisher{client: client, channel: channel, logger: logger.With("component", "telemetry")}, nil
}

// Observer returns a statemachine.Observer that publishes every
// snapshot, best-effort, to the configured Redis channel.
func (p *Publisher) Observer() statemachine.Observer {
	return func(snap statemachine.Context) {
		data, err := json.Marshal(snap)
		if err != nil {
			p.logger.Warn("failed to marshal snapshot for telemetry", "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
			p.logger.Warn("failed to publish telemetry snapshot", "error", err)
		}
	}
}

// Close closes the underlying Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Subscriber receives snapshots published by one or more Publishers,
// for a device-farm aggregator process.
type Subscriber struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewSubscriber connects to Redis for consuming telemetry snapshots.
func NewSubscriber(cfg Config, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "expo-updates-engine:snapshots"
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return &Subscriber{client: client, channel: channel, logger: logger.With("component", "telemetry_subscriber")}
}

// Listen subscribes and invokes onSnapshot for every message received
// until ctx is cancelled.
func (s *Subscriber) Listen(ctx context.Context, onSnapshot func(statemachine.Context)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var snap statemachine.Context
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				s.logger.Warn("failed to unmarshal telemetry snapshot", "error", err)
				continue
			}
			onSnapshot(snap)
		}
	}
}

// Close closes the underlying Redis connection.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
