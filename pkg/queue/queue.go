// Package queue is a bounded job queue served by a fixed pool of workers.
//
// Callers submit an operation and get a Handle back. They may poll the
// handle or wait for it, but the queue never runs the operation in the
// caller's goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("job queue is full")
	ErrQueueClosed = errors.New("job queue is closed")
	ErrUnknownJob  = errors.New("unknown job")
)

type State string

const (
	Pending   State = "pending"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

func (s State) String() string {
	return string(s)
}

func (s State) Finished() bool {
	return s == Succeeded || s == Failed
}

// Tracker is the untyped view of a Handle.
type Tracker interface {
	ID() string
	Name() string
	State() State
	Err() error
	Done() <-chan struct{}
}

type Config struct {
	// Number of workers. Operations beyond it wait in the queue.
	Workers int

	// Capacity of the queue. Submit fails with ErrQueueFull beyond it.
	Capacity int

	// How long finished handles stay reachable by Get.
	Retention time.Duration
}

type Queue struct {
	logger *zap.Logger
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retention time.Duration

	mu      sync.Mutex
	closed  bool
	handles map[string]entry
}

type job struct {
	t   entry
	run func(context.Context)
}

type entry interface {
	Tracker
	endedAt() time.Time
}

func New(logger *zap.Logger, conf Config) *Queue {
	if conf.Workers < 1 {
		conf.Workers = 1
	}
	if conf.Capacity < 0 {
		conf.Capacity = 0
	}
	if conf.Retention <= 0 {
		conf.Retention = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:    logger.Named("queue"),
		jobs:      make(chan job, conf.Capacity),
		ctx:       ctx,
		cancel:    cancel,
		retention: conf.Retention,
		handles:   map[string]entry{},
	}
	for i := range conf.Workers {
		q.wg.Add(1)
		go q.work(i)
	}
	return q
}

func (q *Queue) work(n int) {
	defer q.wg.Done()
	l := q.logger.With(zap.Int("worker", n))
	for j := range q.jobs {
		l.Debug("job start", zap.String("id", j.t.ID()), zap.String("name", j.t.Name()))
		began := time.Now()
		j.run(q.ctx)
		l.Debug(
			"job end",
			zap.String("id", j.t.ID()), zap.String("name", j.t.Name()),
			zap.Stringer("state", j.t.State()), zap.Duration("takes", time.Since(began)),
		)
	}
}

// Submit enqueues op. It never blocks; when the queue is full, it returns ErrQueueFull.
func Submit[T any](q *Queue, name string, op func(context.Context) (T, error)) (*Handle[T], error) {
	h := &Handle[T]{id: uuid.NewString(), name: name, state: Pending, done: make(chan struct{})}
	j := job{
		t: h,
		run: func(ctx context.Context) {
			h.setRunning()
			v, err := protect(ctx, op)
			h.finish(v, err)
		},
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	q.sweep()

	select {
	case q.jobs <- j:
		q.handles[h.id] = j.t
		return h, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

func protect[T any](ctx context.Context, op func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %+v", r)
		}
	}()
	return op(ctx)
}

// Get returns the tracker of a job submitted before.
func (q *Queue) Get(id string) (Tracker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.handles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return t, nil
}

// Len returns the number of jobs waiting for a worker.
func (q *Queue) Len() int {
	return len(q.jobs)
}

// sweep forgets handles finished before the retention. q.mu should be locked.
func (q *Queue) sweep() {
	threshold := time.Now().Add(-q.retention)
	for id, t := range q.handles {
		if at := t.endedAt(); !at.IsZero() && at.Before(threshold) {
			delete(q.handles, id)
		}
	}
}

// Close stops accepting jobs and waits for the queued ones.
//
// When ctx is done before they finish, the context passed to running
// operations is canceled and Close returns ctx.Err() after they return.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		q.wg.Wait()
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}
