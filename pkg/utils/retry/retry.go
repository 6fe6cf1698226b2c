package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetry asks Blocking to call the function again.
var ErrRetry = errors.New("retry")

// Backoff blocks until the next attempt should be made.
//
// It returns ctx.Err() when ctx is done before that.
type Backoff func(context.Context) error

// StaticBackoff waits for interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1, 0)
}

// ExponentialBackoff waits initial, initial*r, initial*r^2, ... between attempts.
//
// When ceil > 0, intervals never exceed ceil.
func ExponentialBackoff(initial time.Duration, r float64, ceil time.Duration) Backoff {
	interval := initial
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * r)
		if 0 < ceil && ceil < interval {
			interval = ceil
		}
		return nil
	}
}

// Blocking calls f after each backoff until f returns nil or an error other than ErrRetry.
//
// The last value f returned is returned, also when backoff gives up.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	var last T
	for {
		if err := b(ctx); err != nil {
			return last, err
		}

		var err error
		last, err = f()
		if !errors.Is(err, ErrRetry) {
			return last, err
		}
	}
}

type Result[T any] struct {
	Value T
	Err   error
}

// Promise delivers exactly one Result, then is closed.
type Promise[T any] <-chan Result[T]

func Failed[T any](err error) Promise[T] {
	ch := make(chan Result[T], 1)
	ch <- Result[T]{Err: err}
	close(ch)
	return ch
}

func Ok[T any](value T) Promise[T] {
	ch := make(chan Result[T], 1)
	ch <- Result[T]{Value: value}
	close(ch)
	return ch
}

// Await receives the result of p, or ctx.Err().
func Await[T any](ctx context.Context, p Promise[T]) (T, error) {
	select {
	case <-ctx.Done():
		return *new(T), ctx.Err()
	case r, ok := <-p:
		if !ok {
			return *new(T), errors.New("promise is closed without result")
		}
		return r.Value, r.Err
	}
}

// Go runs Blocking(ctx, b, f) in a goroutine.
//
// A panic in f is delivered as an error.
func Go[T any](ctx context.Context, b Backoff, f func() (T, error)) Promise[T] {
	ch := make(chan Result[T], 1)

	go func() {
		defer close(ch)
		defer func() {
			switch r := recover().(type) {
			case nil:
			case error:
				ch <- Result[T]{Err: fmt.Errorf("panic: %w", r)}
			default:
				ch <- Result[T]{Err: fmt.Errorf("panic: %+v", r)}
			}
		}()

		v, err := Blocking(ctx, b, f)
		ch <- Result[T]{Value: v, Err: err}
	}()

	return ch
}
