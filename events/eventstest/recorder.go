// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"sync"
	"testing"
	"time"

	"metrochat/events"
)

// Recorder stores every published event in order.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(event events.Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(typ events.Type) []events.Event {
	var out []events.Event
	for _, event := range r.Events() {
		if event.Type == typ {
			out = append(out, event)
		}
	}
	return out
}

// Count returns how many events of the given type were recorded.
func (r *Recorder) Count(typ events.Type) int {
	return len(r.OfType(typ))
}

// WaitFor blocks until match accepts a recorded event or timeout elapses.
func (r *Recorder) WaitFor(t *testing.T, timeout time.Duration, match func(events.Event) bool) events.Event {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, event := range r.Events() {
			if match(event) {
				return event
			}
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("timed out after %s waiting for event", timeout)
			return events.Event{}
		}
	}
}

// WaitType waits for the first event of the given type.
func (r *Recorder) WaitType(t *testing.T, timeout time.Duration, typ events.Type) events.Event {
	t.Helper()
	return r.WaitFor(t, timeout, func(event events.Event) bool { return event.Type == typ })
}
