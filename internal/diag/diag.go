// Package diag carries the daemon's diagnostic side channel. Events are for
// human and log inspection only; they never travel on the response stream.
package diag

import (
	"errors"
	"sync"

	"github.com/chaz8081/gostt-daemon/internal/protocol"
)

// Event is one lifecycle or action step.
type Event struct {
	Status  protocol.Status
	Message string
	// Debug marks chatty events that are dropped unless debug logging is on.
	Debug  bool
	Fields map[string]any
}

// With returns a copy of the event with an extra field.
func (e Event) With(key string, value any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Sink receives diagnostic events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(Event)
}

func Info(msg string) Event     { return Event{Status: protocol.StatusInfo, Message: msg} }
func Ready(msg string) Event    { return Event{Status: protocol.StatusReady, Message: msg} }
func Starting(msg string) Event { return Event{Status: protocol.StatusStarting, Message: msg} }
func Stopped(msg string) Event  { return Event{Status: protocol.StatusStopped, Message: msg} }
func Debug(msg string) Event    { return Event{Status: protocol.StatusInfo, Message: msg, Debug: true} }

// Error builds an error event; err is attached as a field when non-nil.
func Error(msg string, err error) Event {
	ev := Event{Status: protocol.StatusError, Message: msg}
	if err != nil {
		ev = ev.With("error", err.Error())
	}
	return ev
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards every event.
var Nop Sink = nop{}

// Recorder keeps events in memory. Tests use it to assert on diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Statuses returns the status of every recorded event in order.
func (r *Recorder) Statuses() []protocol.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Status, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// Reported marks err as already emitted as an error event, so callers at
// the top of the process do not print it a second time.
func Reported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err: err}
}

// IsReported reports whether err, or anything it wraps, was marked by
// Reported.
func IsReported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}
