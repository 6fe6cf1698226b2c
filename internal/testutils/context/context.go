// Package context gives tests contexts bounded by the test deadline.
package context

import (
	"context"
	"testing"
	"time"
)

// margin is left before the deadline of tests, for clean-ups.
const margin = time.Second

// ForTest returns a context which is cancelled a little before the deadline of t,
// or when t ends.
func ForTest(t *testing.T) context.Context {
	t.Helper()
	deadline, ok := t.Deadline()
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		return ctx
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(-margin))
	t.Cleanup(cancel)
	return ctx
}
