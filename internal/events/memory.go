package events

import (
	"context"
	"sync"

	xerrors "TestEngine-Core/internal/errors"
)

// Memory buffers events in a channel. It backs tests and in-process callers.
type Memory struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemory creates a Memory sink holding up to size undelivered events.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 256
	}
	return &Memory{ch: make(chan Event, size)}
}

// Publish enqueues e, blocking while the buffer is full.
func (m *Memory) Publish(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return xerrors.New(CodePublishFailed, "event sink is closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.ch <- e:
		return nil
	}
}

// Events returns the receive side of the buffer. It is closed by Close.
func (m *Memory) Events() <-chan Event { return m.ch }

// Drain returns every buffered event without blocking.
func (m *Memory) Drain() []Event {
	var out []Event
	for {
		select {
		case e, ok := <-m.ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

// Consume hands events to handler until ctx is done or the sink is closed.
func (m *Memory) Consume(ctx context.Context, handler func(context.Context, Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-m.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, e); err != nil {
				return err
			}
		}
	}
}

// Close stops accepting events.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		close(m.ch)
		m.closed = true
	}
	return nil
}
