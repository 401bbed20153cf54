// Package bus provides the priority-ordered notification bus collaborator
// used to surface connection and contact state changes to the rest of the
// application.
package bus

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Priority orders event delivery when multiple events are queued.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Event is an application notification.
type Event struct {
	Type     string
	Data     interface{}
	Priority Priority
}

// Handler receives dispatched events.
type Handler func(Event)

// Bus is the notification collaborator interface.
type Bus interface {
	// Dispatch queues an event for delivery at the given priority.
	Dispatch(eventType string, data interface{}, priority Priority)
	// On registers a handler for an event type and returns an unsubscribe
	// function.
	On(eventType string, handler Handler) func()
}

// Dispatcher is the in-process Bus implementation. Events are queued and
// drained by a single goroutine, higher priorities first; handlers for one
// event run in registration order.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int
	queue    []Event
	wake     chan struct{}
	done     chan struct{}
	closed   bool
}

// NewDispatcher creates and starts a Dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]map[int]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go d.drain()
	return d
}

func (d *Dispatcher) Dispatch(eventType string, data interface{}, priority Priority) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, Event{Type: eventType, Data: data, Priority: priority})
	// Stable sort keeps arrival order within one priority class.
	sort.SliceStable(d.queue, func(i, j int) bool {
		return d.queue[i].Priority > d.queue[j].Priority
	})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) On(eventType string, handler Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handlers[eventType] == nil {
		d.handlers[eventType] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.handlers[eventType][id] = handler

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[eventType], id)
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case <-d.wake:
			for {
				d.mu.Lock()
				if len(d.queue) == 0 {
					d.mu.Unlock()
					break
				}
				event := d.queue[0]
				d.queue = d.queue[1:]

				ids := make([]int, 0, len(d.handlers[event.Type]))
				for id := range d.handlers[event.Type] {
					ids = append(ids, id)
				}
				sort.Ints(ids)
				handlers := make([]Handler, 0, len(ids))
				for _, id := range ids {
					handlers = append(handlers, d.handlers[event.Type][id])
				}
				d.mu.Unlock()

				for _, handler := range handlers {
					handler(event)
				}
			}
		case <-d.done:
			return
		}
	}
}

// Close stops the drain goroutine. Queued events are discarded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	dropped := len(d.queue)
	d.queue = nil
	d.mu.Unlock()

	close(d.done)
	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"dropped":  dropped,
		}).Warn("Notification bus closed with queued events")
	}
}
