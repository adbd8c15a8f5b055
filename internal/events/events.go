// Package events carries task progress and outcomes to external listeners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	xerrors "TestEngine-Core/internal/errors"
	"TestEngine-Core/internal/task"
)

// Kind classifies an Event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindResult   Kind = "result"
	KindError    Kind = "error"
)

// Event is one message about a running task.
type Event struct {
	TaskID  string          `json:"taskId"`
	Kind    Kind            `json:"kind"`
	Percent int             `json:"percent,omitempty"`
	Result  *task.Result    `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	Errors  []xerrors.Entry `json:"errors,omitempty"`
	Time    int64           `json:"time"`
}

// Progress builds a progress event.
func Progress(taskID string, percent int) Event {
	return Event{TaskID: taskID, Kind: KindProgress, Percent: percent, Time: time.Now().UnixMilli()}
}

// Completed builds a result event.
func Completed(taskID string, res *task.Result) Event {
	return Event{TaskID: taskID, Kind: KindResult, Percent: 100, Result: res, Time: time.Now().UnixMilli()}
}

// Failed builds an error event.
func Failed(taskID, message string, entries []xerrors.Entry) Event {
	return Event{TaskID: taskID, Kind: KindError, Message: message, Errors: entries, Time: time.Now().UnixMilli()}
}

// Encode marshals e as JSON.
func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

// Sink receives task events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

const CodePublishFailed xerrors.Code = "EVENT_PUBLISH_FAILED"

func init() {
	xerrors.Register(CodePublishFailed, xerrors.Attributes{
		Message:   "failed to publish task event",
		Category:  xerrors.CategoryConnection,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Fanout publishes every event to all sinks.
type Fanout []Sink

// Publish delivers e to each sink and joins their errors.
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each sink.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
