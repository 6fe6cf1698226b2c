package gc

import (
	"context"
	"errors"
	"slices"

	"github.com/opst/tuplefab/pkg/loop/recurring"
	"github.com/opst/tuplefab/pkg/sandbox/materials"
	"github.com/opst/tuplefab/pkg/sandbox/runner"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"go.uber.org/zap"
)

// Directories lists sandbox directories on disk.
type Directories interface {
	Orphans() ([]string, error)
}

// Containers lists names of sandbox containers.
type Containers interface {
	List(ctx context.Context) ([]string, error)
}

type Cleaner interface {
	InFlight() []string
	Cleanup(ctx context.Context, key string) (bool, error)
}

var (
	_ Directories = &materials.Manager{}
	_ Containers  = runtime.Runtime(nil)
	_ Cleaner     = &runner.Runner{}
)

// initial value for task
func Seed() any {
	return nil
}

// return:
//
// - task: remove sandbox directories and containers of jobs not running
func Task(dirs Directories, containers Containers, cleaner Cleaner, logger *zap.Logger) recurring.Task[any] {
	logger = logger.Named("gc")
	return func(ctx context.Context, value any) (any, bool, error) {
		keys, err := dirs.Orphans()
		if err != nil {
			return value, false, err
		}
		names, err := containers.List(ctx)
		if err != nil {
			return value, false, err
		}
		for _, n := range names {
			if _, key, ok := runtime.ParseName(n); ok {
				keys = append(keys, key)
			}
		}
		slices.Sort(keys)
		keys = slices.Compact(keys)

		inflight := cleaner.InFlight()
		var errs []error
		cleaned := 0
		for _, key := range keys {
			if slices.Contains(inflight, key) {
				continue
			}
			ok, err := cleaner.Cleanup(ctx, key)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				cleaned += 1
				logger.Info("leftovers of a job are removed", zap.String("key", key))
			}
		}
		return value, 0 < cleaned && len(errs) == 0, errors.Join(errs...)
	}
}
