package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/task"
)

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4)
	require.NoError(t, m.Publish(ctx, Progress("t1", 10)))
	require.NoError(t, m.Publish(ctx, Completed("t1", &task.Result{GID: "fairness", CID: "parity"})))

	got := m.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, KindProgress, got[0].Kind)
	assert.Equal(t, 10, got[0].Percent)
	assert.Equal(t, KindResult, got[1].Kind)
	assert.Equal(t, "parity", got[1].Result.CID)
	assert.Empty(t, m.Drain())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, CodePublishFailed, xerrors.CodeOf(m.Publish(ctx, Progress("t1", 20))))
}

func TestMemorySinkBlocksUntilContextDone(t *testing.T) {
	m := NewMemory(1)
	require.NoError(t, m.Publish(context.Background(), Progress("t1", 1)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Publish(ctx, Progress("t1", 2)), context.DeadlineExceeded)
}

func TestMemoryConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m := NewMemory(8)
	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Publish(ctx, Progress("t1", i*10)))
	}
	require.NoError(t, m.Close())

	var seen []int
	err := m.Consume(ctx, func(_ context.Context, e Event) error {
		seen = append(seen, e.Percent)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30}, seen)
}

type failingSink struct{ closed bool }

func (f *failingSink) Publish(context.Context, Event) error { return errors.New("boom") }
func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestFanout(t *testing.T) {
	m := NewMemory(4)
	bad := &failingSink{}
	f := Fanout{m, bad, Nop{}}

	err := f.Publish(context.Background(), Failed("t1", "algorithm crashed", []xerrors.Entry{{Category: xerrors.CategoryAlgorithm, Code: "X"}}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	require.Len(t, m.Drain(), 1, "healthy sinks still receive the event")

	require.NoError(t, f.Close())
	assert.True(t, bad.closed)
}

func TestEventEncoding(t *testing.T) {
	raw, err := Failed("t1", "bad", []xerrors.Entry{{Category: xerrors.CategoryData, Code: "DATA", Severity: xerrors.SeverityCritical}}).Encode()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "t1", doc["taskId"])
	assert.Equal(t, "error", doc["kind"])
	assert.NotContains(t, doc, "result")
}

func TestRedisSinkReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	r := NewRedisWithClient(client, RedisConfig{Channel: "testengine"})
	defer r.Close()

	err := r.Publish(context.Background(), Progress("t1", 5))
	require.Error(t, err)
	assert.Equal(t, CodePublishFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryConnection, xerrors.CategoryOf(err))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)

	s, err = Open(ctx, Config{Driver: DriverMemory, Buffer: 2})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(ctx, Config{Driver: "kafka"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = Open(ctx, Config{Driver: DriverRedis})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = Open(ctx, Config{Driver: DriverRabbitMQ})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
