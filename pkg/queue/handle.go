package queue

import (
	"context"
	"sync"
	"time"
)

// Handle is a job submitted to a Queue.
type Handle[T any] struct {
	id   string
	name string

	mu    sync.Mutex
	state State
	value T
	err   error
	ended time.Time
	done  chan struct{}
}

func (h *Handle[T]) ID() string   { return h.id }
func (h *Handle[T]) Name() string { return h.name }

func (h *Handle[T]) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the error of the operation. It is nil until the job finishes.
func (h *Handle[T]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the job finishes.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Poll returns the result if the job has finished.
func (h *Handle[T]) Poll() (value T, err error, finished bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Finished() {
		return *new(T), nil, false
	}
	return h.value, h.err, true
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		return *new(T), ctx.Err()
	case <-h.done:
	}
	v, err, _ := h.Poll()
	return v, err
}

func (h *Handle[T]) setRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Running
}

func (h *Handle[T]) finish(v T, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value, h.err = v, err
	if err != nil {
		h.state = Failed
	} else {
		h.state = Succeeded
	}
	h.ended = time.Now()
	close(h.done)
}

func (h *Handle[T]) endedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}
