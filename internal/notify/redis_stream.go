// Package notify delivers generation events to users.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"creativeflow/internal/generation"

	"github.com/redis/go-redis/v9"
)

// RedisPipelineClient is the minimal client surface used by RedisNotifier.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// RedisNotifier appends events to a Redis stream read by the notification
// service and keeps the latest status of each request in a hash.
type RedisNotifier struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// NewRedisNotifier constructs a Redis-backed notification dispatcher.
func NewRedisNotifier(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisNotifier {
	if stream == "" {
		stream = "generation_events"
	}
	return &RedisNotifier{
		client:    client,
		stream:    stream,
		keyPrefix: "generation:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Notify writes the request status hash and appends the event to the stream.
func (r *RedisNotifier) Notify(ctx context.Context, userID string, event generation.GenerationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := r.keyPrefix + event.RequestID
	at := event.At.UTC().Format(time.RFC3339Nano)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"request_id": event.RequestID,
		"user_id":    userID,
		"status":     string(event.Status),
		"last_event": string(event.Kind),
		"updated_at": at,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"user_id":    userID,
			"request_id": event.RequestID,
			"kind":       string(event.Kind),
			"status":     string(event.Status),
			"at":         at,
			"payload":    string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err = pipe.Exec(ctx)
	return err
}

// ClientAdapter exposes a *redis.Client through RedisPipelineClient.
type ClientAdapter struct {
	Client *redis.Client
}

func (a ClientAdapter) Pipeline() RedisPipeliner {
	return pipelineAdapter{pipe: a.Client.Pipeline()}
}

type pipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p pipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p pipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p pipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p pipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
