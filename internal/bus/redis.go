// Package bus delivers lifecycle events to downstream consumers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Health-Education-England/tis-trainee-forms/internal/models"
)

// Bus is the message-bus client used by the event publisher. Publish returns
// only after the bus has acknowledged the message; a non-nil error means the
// event was not confirmed and will be retried.
type Bus interface {
	Publish(ctx context.Context, event *models.LifecycleEvent) error
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Stream   string // stream the lifecycle events are appended to
}

// RedisBus publishes lifecycle events to a Redis stream. Consumers read the
// stream with consumer groups and deduplicate on the eventId field.
type RedisBus struct {
	client *redis.Client
	stream string
	log    zerolog.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig, log zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Str("stream", cfg.Stream).Msg("connected to message bus")
	return &RedisBus{
		client: client,
		stream: cfg.Stream,
		log:    log.With().Str("component", "bus").Logger(),
	}, nil
}

// NewRedisBusWithClient wraps an existing client; used by tests.
func NewRedisBusWithClient(client *redis.Client, stream string, log zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, stream: stream, log: log}
}

// Publish appends the event to the stream. The per-form key is carried as a
// message field so consumers can partition without parsing the body.
func (b *RedisBus) Publish(ctx context.Context, event *models.LifecycleEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding lifecycle event: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			"event_id": event.EventID,
			"form_key": event.FormKey(),
			"body":     body,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending to stream %q: %w", b.stream, err)
	}

	b.log.Debug().
		Str("event_id", event.EventID).
		Str("form_key", event.FormKey()).
		Msg("published lifecycle event")
	return nil
}
