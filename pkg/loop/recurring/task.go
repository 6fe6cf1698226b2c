package recurring

import (
	"context"

	"github.com/opst/tuplefab/pkg/loop"
)

// Task is a turn of a recurring loop.
//
// Returns:
//
// - T : value for the next turn, as loop.Task.
//
// - bool : true when the task did something in this turn, and more backlog can be.
//
// - error : error of this turn. Whether it stops the loop is up to the Policy.
type Task[T any] func(context.Context, T) (T, bool, error)

// Applied makes rt a loop.Task following p.
func (rt Task[T]) Applied(p Policy) loop.Task[T] {
	return func(ctx context.Context, t T) (T, loop.Next) {
		next, updated, err := rt(ctx, t)
		return next, p.Next(updated, err)
	}
}
