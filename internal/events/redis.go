package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "TestEngine-Core/internal/errors"
)

// RedisConfig configures a Redis sink.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// List receives every event with LPUSH so late readers can replay a task.
	List string
	// Channel, when set, also gets each event with PUBLISH.
	Channel string
	// TTL expires the list after the last event. Zero keeps it.
	TTL time.Duration
}

// Redis pushes events to a Redis list and optionally a pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	list    string
	channel string
	ttl     time.Duration
}

// NewRedis connects to Redis.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "connect to redis")
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	list := cfg.List
	if list == "" {
		list = "testengine:events"
	}
	return &Redis{client: client, list: list, channel: cfg.Channel, ttl: cfg.TTL}
}

// Publish implements Sink.
func (r *Redis) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return xerrors.Wrap(CodePublishFailed, err, "encode event")
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.list, body)
	if r.ttl > 0 {
		pipe.Expire(ctx, r.list, r.ttl)
	}
	if r.channel != "" {
		pipe.Publish(ctx, r.channel, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(CodePublishFailed, err, fmt.Sprintf("publish %s event of task %s to redis", e.Kind, e.TaskID))
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
