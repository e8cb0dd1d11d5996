package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"metrochat/logging"
)

// DefaultQueueSize is the dispatcher queue capacity when none is configured.
const DefaultQueueSize = 256

// ErrDispatcherClosed is returned by Publish after Close.
var ErrDispatcherClosed = errors.New("events: dispatcher closed")

// Handler consumes one event. Handlers run on the dispatcher goroutine and may
// block (database writes, rendering) without stalling the I/O goroutines.
type Handler func(Event)

// Dispatcher is a bounded FIFO between producers and registered handlers.
// Publish blocks only while the queue is full; events are never dropped.
type Dispatcher struct {
	queue  chan Event
	logger logrus.FieldLogger

	handlersMu sync.RWMutex
	handlers   []Handler

	// intakeMu lets Close wait out publishers that are mid-send.
	intakeMu sync.RWMutex
	stopped  bool

	running     atomic.Int32
	intakeDone  chan struct{}
	abandoned   chan struct{}
	closeOnce   sync.Once
	abandonOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given queue capacity.
func NewDispatcher(queueSize int, logger logrus.FieldLogger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		queue:      make(chan Event, queueSize),
		logger:     logging.OrDiscard(logger),
		intakeDone: make(chan struct{}),
		abandoned:  make(chan struct{}),
	}
}

// Subscribe registers a handler. Handlers are invoked in registration order.
func (d *Dispatcher) Subscribe(handler Handler) {
	if handler == nil {
		return
	}
	d.handlersMu.Lock()
	d.handlers = append(d.handlers, handler)
	d.handlersMu.Unlock()
}

// Publish enqueues an event, blocking while the queue is full.
func (d *Dispatcher) Publish(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	d.intakeMu.RLock()
	defer d.intakeMu.RUnlock()
	if d.stopped {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- event:
		return nil
	default:
	}

	d.logger.WithField("event", event.Type).Debug("event queue full, waiting for consumer")
	select {
	case d.queue <- event:
		return nil
	case <-d.abandoned:
		return ErrDispatcherClosed
	}
}

// Run delivers queued events to handlers until ctx is cancelled or the
// dispatcher is closed. After Close, events already queued are delivered
// before Run returns. Cancelling ctx releases blocked publishers.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Add(1)
	defer d.running.Add(-1)

	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.intakeDone:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return nil
				}
			}
		case <-ctx.Done():
			d.abandon()
			return ctx.Err()
		}
	}
}

// Close stops intake. While Run is consuming, publishers already blocked on
// a full queue are let through first; with no consumer they return
// ErrDispatcherClosed.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		if d.running.Load() == 0 {
			d.abandon()
		}
		d.intakeMu.Lock()
		d.stopped = true
		d.intakeMu.Unlock()
		close(d.intakeDone)
	})
	return nil
}

func (d *Dispatcher) abandon() {
	d.abandonOnce.Do(func() {
		close(d.abandoned)
	})
}

// Len returns the number of queued, undelivered events.
func (d *Dispatcher) Len() int {
	return len(d.queue)
}

func (d *Dispatcher) deliver(event Event) {
	d.handlersMu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
