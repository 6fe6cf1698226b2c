package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opst/tuplefab/pkg/queue"
	"go.uber.org/zap/zaptest"
)

func TestQueue(t *testing.T) {
	t.Run("it runs submitted jobs and delivers results via handles", func(t *testing.T) {
		q := queue.New(zaptest.NewLogger(t), queue.Config{Workers: 2, Capacity: 4})
		defer q.Close(context.Background())

		h, err := queue.Submit(q, "answer", func(context.Context) (int, error) {
			return 42, nil
		})
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := h.Wait(ctx)
		if err != nil || v != 42 {
			t.Errorf("result: actual=(%d, %v), expect=(42, nil)", v, err)
		}
		if h.State() != queue.Succeeded {
			t.Errorf("state: actual=%s, expect=%s", h.State(), queue.Succeeded)
		}

		tr, err := q.Get(h.ID())
		if err != nil {
			t.Fatal(err)
		}
		if tr.State() != queue.Succeeded || tr.Name() != "answer" {
			t.Errorf("tracker: state=%s name=%s", tr.State(), tr.Name())
		}
	})

	t.Run("failures and panics are reported as failed jobs", func(t *testing.T) {
		q := queue.New(zaptest.NewLogger(t), queue.Config{Workers: 1, Capacity: 4})
		defer q.Close(context.Background())

		expected := errors.New("fake")
		h1, _ := queue.Submit(q, "fail", func(context.Context) (struct{}, error) {
			return struct{}{}, expected
		})
		h2, _ := queue.Submit(q, "panic", func(context.Context) (struct{}, error) {
			panic("oops")
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := h1.Wait(ctx); !errors.Is(err, expected) {
			t.Errorf("h1: actual=%v, expect=%v", err, expected)
		}
		if _, err := h2.Wait(ctx); err == nil {
			t.Errorf("h2: expected error")
		}
		if h2.State() != queue.Failed {
			t.Errorf("h2 state: actual=%s", h2.State())
		}
	})

	t.Run("it rejects jobs beyond its capacity", func(t *testing.T) {
		q := queue.New(zaptest.NewLogger(t), queue.Config{Workers: 1, Capacity: 1})

		release := make(chan struct{})
		started := make(chan struct{}, 1)
		block := func(context.Context) (int, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return 0, nil
		}

		if _, err := queue.Submit(q, "running", block); err != nil {
			t.Fatal(err)
		}
		<-started // the worker holds the first job.
		if _, err := queue.Submit(q, "queued", block); err != nil {
			t.Fatal(err)
		}
		if _, err := queue.Submit(q, "overflow", block); !errors.Is(err, queue.ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}

		close(release)
		if err := q.Close(context.Background()); err != nil {
			t.Fatal(err)
		}
		if _, err := queue.Submit(q, "late", block); !errors.Is(err, queue.ErrQueueClosed) {
			t.Errorf("expected ErrQueueClosed, got %v", err)
		}
	})

	t.Run("Poll does not block", func(t *testing.T) {
		q := queue.New(zaptest.NewLogger(t), queue.Config{Workers: 1, Capacity: 1})
		release := make(chan struct{})
		h, _ := queue.Submit(q, "slow", func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
		if _, _, finished := h.Poll(); finished {
			t.Error("job should not be finished")
		}
		close(release)
		<-h.Done()
		if v, err, finished := h.Poll(); !finished || err != nil || v != 1 {
			t.Errorf("poll: actual=(%d, %v, %v)", v, err, finished)
		}
		q.Close(context.Background())
	})

	t.Run("unknown id", func(t *testing.T) {
		q := queue.New(zaptest.NewLogger(t), queue.Config{})
		defer q.Close(context.Background())
		if _, err := q.Get("nothing"); !errors.Is(err, queue.ErrUnknownJob) {
			t.Errorf("expected ErrUnknownJob, got %v", err)
		}
	})
}
