package events

import (
	"context"
	"fmt"

	xerrors "TestEngine-Core/internal/errors"
)

// Drivers accepted by Open.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
)

// Config selects and configures a sink.
type Config struct {
	Driver   string
	Buffer   int
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// Open builds the sink named by cfg.Driver. An empty driver means none.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return Nop{}, nil
	case DriverMemory:
		return NewMemory(cfg.Buffer), nil
	case DriverRedis:
		return NewRedis(ctx, cfg.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown event driver %q", cfg.Driver))
	}
}
