package bundle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "TestEngine-Core/internal/errors"
)

// Locker serialises installs and deletes per GID.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		ch, held := l.locks[key]
		if !held {
			ch = make(chan struct{})
			l.locks[key] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, key)
					l.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeLockTimeout, ctx.Err(), "wait for bundle lock "+key)
		}
	}
}

// RedisLockerConfig configures a RedisLocker.
type RedisLockerConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL bounds how long a crashed holder can block others.
	TTL time.Duration
	// Poll is the retry interval while the lock is held elsewhere.
	Poll time.Duration
}

// RedisLocker shares install locks between processes with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

var releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewRedisLocker connects to Redis.
func NewRedisLocker(ctx context.Context, cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "connect to redis")
	}
	return NewRedisLockerWithClient(client, cfg), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = "testengine:bundle-lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 200 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, poll: cfg.Poll}
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := l.prefix + key
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConnection, err, fmt.Sprintf("acquire bundle lock %s", key))
		}
		if ok {
			return func() {
				_ = releaseScript.Run(context.Background(), l.client, []string{full}, token).Err()
			}, nil
		}
		select {
		case <-time.After(l.poll):
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeLockTimeout, ctx.Err(), "wait for bundle lock "+key)
		}
	}
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error { return l.client.Close() }
