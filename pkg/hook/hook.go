// Package hook calls out before and after a tuple changes its status.
package hook

import (
	"context"
	"errors"
)

// Hook is called around processing a value T.
type Hook[T any] interface {
	// Before is called before the value is processed.
	// When it fails, the value is not processed.
	Before(context.Context, T) error

	// After is called after the value is processed.
	After(context.Context, T) error
}

var ErrHookFailed = errors.New("hook failed")

// None is a hook doing nothing.
type None[T any] struct{}

func (None[T]) Before(context.Context, T) error { return nil }
func (None[T]) After(context.Context, T) error  { return nil }

// Func is a hook calling functions. Nil functions are skipped.
type Func[T any] struct {
	BeforeFn func(context.Context, T) error
	AfterFn  func(context.Context, T) error
}

func (f Func[T]) Before(ctx context.Context, value T) error {
	if f.BeforeFn == nil {
		return nil
	}
	if err := f.BeforeFn(ctx, value); err != nil {
		return errors.Join(err, ErrHookFailed)
	}
	return nil
}

func (f Func[T]) After(ctx context.Context, value T) error {
	if f.AfterFn == nil {
		return nil
	}
	if err := f.AfterFn(ctx, value); err != nil {
		return errors.Join(err, ErrHookFailed)
	}
	return nil
}
