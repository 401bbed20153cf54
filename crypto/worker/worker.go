// Package worker isolates cryptographic execution behind an asynchronous
// request/response channel.
//
// All operations run on a single goroutine owned by the Worker. Callers
// submit requests tagged with a correlation ID and wait for the matching
// response with a fixed timeout. If the worker stops, every still-pending
// request fails immediately instead of hanging.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout is how long a caller waits for a worker response
// before the request is failed locally.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrRequestTimeout is returned when a request receives no response in time.
	ErrRequestTimeout = errors.New("crypto worker request timed out")
	// ErrWorkerStopped is returned for requests pending when the worker stops.
	ErrWorkerStopped = errors.New("crypto worker stopped")
)

type response struct {
	value interface{}
	err   error
}

type request struct {
	id   string
	name string
	op   func() (interface{}, error)
	resp chan response
}

// Worker executes submitted operations sequentially on its own goroutine.
type Worker struct {
	requests chan *request
	done     chan struct{}
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*request
	closed  bool
}

// New creates and starts a Worker with the default request timeout.
func New() *Worker {
	return NewWithTimeout(DefaultRequestTimeout)
}

// NewWithTimeout creates and starts a Worker with a custom request timeout.
func NewWithTimeout(timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	w := &Worker{
		requests: make(chan *request),
		done:     make(chan struct{}),
		timeout:  timeout,
		pending:  make(map[string]*request),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	for {
		select {
		case req := <-w.requests:
			value, err := req.op()
			w.finish(req, response{value: value, err: err})
		case <-w.done:
			return
		}
	}
}

// finish delivers a response exactly once and clears the pending entry.
func (w *Worker) finish(req *request, resp response) {
	w.mu.Lock()
	_, stillPending := w.pending[req.id]
	delete(w.pending, req.id)
	w.mu.Unlock()

	if !stillPending {
		return
	}
	req.resp <- resp
}

// Do submits an operation and waits for its correlated response.
func (w *Worker) Do(ctx context.Context, name string, op func() (interface{}, error)) (interface{}, error) {
	req := &request{
		id:   uuid.NewString(),
		name: name,
		op:   op,
		resp: make(chan response, 1),
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWorkerStopped
	}
	w.pending[req.id] = req
	w.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Do",
		"request_id": req.id,
		"operation":  name,
	}).Debug("Submitting crypto worker request")

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case w.requests <- req:
	case <-w.done:
		w.abandon(req)
		return nil, ErrWorkerStopped
	case <-timer.C:
		w.abandon(req)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		w.abandon(req)
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.resp:
		return resp.value, resp.err
	case <-timer.C:
		w.abandon(req)
		logrus.WithFields(logrus.Fields{
			"function":   "Do",
			"request_id": req.id,
			"operation":  name,
		}).Warn("Crypto worker request timed out")
		return nil, ErrRequestTimeout
	case <-w.done:
		return nil, ErrWorkerStopped
	case <-ctx.Done():
		w.abandon(req)
		return nil, ctx.Err()
	}
}

// abandon removes a request so a late worker response is dropped.
func (w *Worker) abandon(req *request) {
	w.mu.Lock()
	delete(w.pending, req.id)
	w.mu.Unlock()
}

// Close stops the worker. Every still-pending request fails with
// ErrWorkerStopped rather than being left hanging.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	orphans := make([]*request, 0, len(w.pending))
	for _, req := range w.pending {
		orphans = append(orphans, req)
	}
	w.pending = make(map[string]*request)
	w.mu.Unlock()

	close(w.done)
	for _, req := range orphans {
		req.resp <- response{err: ErrWorkerStopped}
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Close",
		"failed_pending": len(orphans),
	}).Info("Crypto worker stopped")
}
