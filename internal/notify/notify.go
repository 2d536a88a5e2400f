// Package notify fans run lifecycle events out to in-process subscribers and
// to optional external sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

type EventType string

const (
	EventOutput    EventType = "agent-output"
	EventError     EventType = "agent-error"
	EventComplete  EventType = "agent-complete"
	EventCancelled EventType = "agent-cancelled"
)

type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	RunID   int64     `json:"run_id"`
	Line    string    `json:"line,omitempty"`
	Status  string    `json:"status,omitempty"`
	Success bool      `json:"success,omitempty"`
	Time    time.Time `json:"time"`
}

// Topic is the per-run channel name, e.g. "agent-output:42".
func (e Event) Topic() string {
	return fmt.Sprintf("%s:%d", e.Type, e.RunID)
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventCancelled
}

func newEvent(t EventType, runID int64) Event {
	return Event{ID: uuid.NewString(), Type: t, RunID: runID, Time: time.Now().UTC()}
}

func Output(runID int64, line string) Event {
	e := newEvent(EventOutput, runID)
	e.Line = line
	return e
}

func Error(runID int64, line string) Event {
	e := newEvent(EventError, runID)
	e.Line = line
	return e
}

func Complete(runID int64, status string, success bool) Event {
	e := newEvent(EventComplete, runID)
	e.Status = status
	e.Success = success
	return e
}

func Cancelled(runID int64) Event {
	e := newEvent(EventCancelled, runID)
	e.Status = "cancelled"
	return e
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi delivers to every sink. A failing sink never blocks the others;
// failures are logged and joined into the returned error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "notification sink failed"}, log.KV{K: "topic", V: e.Topic()})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes every event to the context logger at debug level.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, e Event) error {
	log.Debug(ctx,
		log.KV{K: "topic", V: e.Topic()},
		log.KV{K: "event", V: e.ID},
		log.KV{K: "line", V: e.Line},
		log.KV{K: "status", V: e.Status},
	)
	return nil
}
