package main

import (
	"context"
	"time"

	"github.com/opst/tuplefab/pkg/loop"
	"github.com/opst/tuplefab/pkg/tasks/execution"
	"github.com/opst/tuplefab/pkg/tasks/gc"
	"github.com/opst/tuplefab/pkg/tasks/ledgersync"
	"github.com/opst/tuplefab/pkg/tasks/reconcile"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Wrapper for monitoring loop tasks
//
//	Log the start and end of each time a task is executed. Essentially, it executes a task.
func monitor[T any](logger *zap.Logger, task loop.Task[T]) loop.Task[T] {
	var counter uint64
	return func(ctx context.Context, t T) (ret T, next loop.Next) {
		counter += 1
		timestamp := time.Now()
		logger.Debug("task start", zap.Uint64("turn", counter))

		defer func() {
			logger.Debug(
				"task end",
				zap.Uint64("turn", counter),
				zap.Duration("took", time.Since(timestamp)),
				zap.Stringer("next", next),
				zap.Any("value", ret),
			)
		}()

		ret, next = task(ctx, t)
		return
	}
}

// StartLoops runs the background loops of node until ctx is done or one of them stops with an error.
//
// Sandboxes started by the execution loop are waited for (and cancelled after grace) before it returns.
func StartLoops(ctx context.Context, logger *zap.Logger, node *Node, grace time.Duration) error {
	conf := node.Conf
	executor := execution.New(
		conf.Node(), node.Gateway, node.Machine, node.Slots, node.Runner, logger,
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		l := logger.Named("execution loop")
		_, err := loop.Start(
			ctx, execution.Seed(),
			monitor(l, executor.Task().Applied(conf.Loops().Execution())),
			loop.WithTimeout(time.Minute),
		)

		// sandboxes are in flight after the loop stops.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		if cerr := executor.Close(cctx); cerr != nil {
			l.Warn("sandboxes are cancelled", zap.Error(cerr))
		}
		return err
	})
	eg.Go(func() error {
		rconf := conf.Reconcile()
		_, err := loop.Start(
			ctx, reconcile.Seed(rconf.Grace(), rconf.Batch()),
			monitor(
				logger.Named("reconcile loop"),
				reconcile.Task(node.Gateway, node.Mirror, node.Metrics, logger).Applied(conf.Loops().Reconcile()),
			),
			loop.WithTimeout(5*time.Minute),
		)
		return err
	})
	eg.Go(func() error {
		_, err := loop.Start(
			ctx, ledgersync.Seed(),
			monitor(
				logger.Named("sync loop"),
				ledgersync.Task(conf.Node(), node.Gateway, node.Machine, logger).Applied(conf.Loops().Sync()),
			),
			loop.WithTimeout(5*time.Minute),
		)
		return err
	})
	eg.Go(func() error {
		_, err := loop.Start(
			ctx, gc.Seed(),
			monitor(
				logger.Named("gc loop"),
				gc.Task(node.Materials, node.Runtime, node.Runner, logger).Applied(conf.Loops().GC()),
			),
		)
		return err
	})
	return eg.Wait()
}
