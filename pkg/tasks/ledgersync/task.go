// Package ledgersync refreshes the mirror with tuples of this node on the ledger.
package ledgersync

import (
	"context"
	"errors"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/loop/recurring"
	"github.com/opst/tuplefab/pkg/tuple"
	"go.uber.org/zap"
)

type Finder interface {
	Find(ctx context.Context, kind domain.AssetKind, filter ledger.Filter) ([]domain.Asset, error)
}

type Syncer interface {
	Sync(ctx context.Context, t domain.Tuple) (domain.TupleStatus, error)

	// Promote moves a waiting tuple by statuses of its parents.
	Promote(ctx context.Context, t domain.Tuple) (domain.TupleStatus, error)
}

var (
	_ Finder = &ledger.Gateway{}
	_ Syncer = &tuple.Machine{}
)

// Cursor is what a turn looks up.
type Cursor struct {
	Statuses []domain.TupleStatus
}

// initial value for task.
//
// Terminal statuses are included, so outcomes reported by other processes reach the mirror.
func Seed() Cursor {
	return Cursor{Statuses: []domain.TupleStatus{
		domain.Waiting, domain.Todo, domain.Training, domain.Testing, domain.Done, domain.Failed,
	}}
}

// return:
//
// - task: copy tuples assigned to node from the ledger into the mirror,
// and move waiting ones whose parents have finished
func Task(node string, finder Finder, syncer Syncer, logger *zap.Logger) recurring.Task[Cursor] {
	logger = logger.Named("ledgersync")
	return func(ctx context.Context, cursor Cursor) (Cursor, bool, error) {
		var errs []error
		synced, promoted := 0, 0
		for _, kind := range []domain.AssetKind{domain.KindTraintuple, domain.KindTesttuple} {
			for _, status := range cursor.Statuses {
				found, err := finder.Find(ctx, kind, ledger.WorkerStatusFilter(kind, node, status))
				if err != nil {
					errs = append(errs, err)
					continue
				}
				for _, a := range found {
					t, ok := domain.AsTuple(a)
					if !ok {
						continue
					}
					settled, err := syncer.Sync(ctx, t)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					synced += 1

					if settled != domain.Waiting || t.Header().Status != domain.Waiting {
						continue
					}
					next, err := syncer.Promote(ctx, t)
					if err != nil {
						errs = append(errs, err)
						continue
					}
					if next != domain.Waiting {
						promoted += 1
						logger.Info("waiting tuple is moved", zap.String("key", t.AssetKey()), zap.Stringer("to", next))
					}
				}
			}
		}
		logger.Debug("tuples are synced", zap.Int("count", synced), zap.Int("promoted", promoted))

		// the ledger is read through each turn; there is no backlog.
		return cursor, false, errors.Join(errs...)
	}
}
