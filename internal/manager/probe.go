package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TestEngine-Core/pkg/plugin"
)

var errProbeTimeout = errors.New("serializer timed out")

// Probe asks each serializer in order to deserialize path. The first non-nil
// object wins. Errors, panics and timeouts count as "not mine".
func Probe(ctx context.Context, path string, serializers []*plugin.Module, timeout time.Duration, logger *slog.Logger) (any, *plugin.Module) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, m := range serializers {
		s, ok := m.Adapter.(plugin.Serializer)
		if !ok {
			continue
		}
		obj, err := guardedDeserialize(ctx, s, path, timeout)
		if err != nil {
			logger.Debug("serializer rejected file", "serializer", m.Descriptor.Name, "path", path, "error", err)
			continue
		}
		if obj != nil {
			return obj, m
		}
	}
	return nil, nil
}

type probeResult struct {
	obj any
	err error
}

func guardedDeserialize(ctx context.Context, s plugin.Serializer, path string, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeResult{err: fmt.Errorf("serializer panicked: %v", r)}
			}
		}()
		obj, err := s.Deserialize(ctx, path)
		done <- probeResult{obj: obj, err: err}
	}()
	select {
	case res := <-done:
		return res.obj, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errProbeTimeout
		}
		return nil, ctx.Err()
	}
}
