// Package reconcile settles unvalidated mirror records with the ledger.
//
// A record written speculatively (an async registration, or a write which
// timed out) is validated when the ledger has it, and removed when the ledger
// does not have it after the grace period.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/loop/recurring"
	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/mirror"
	"go.uber.org/zap"
)

type Getter interface {
	Get(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error)
}

var _ Getter = &ledger.Gateway{}

type Cursor struct {
	// Grace is how old an unvalidated record should be to be reconciled.
	Grace time.Duration

	// Limit is the number of records a turn handles.
	Limit int
}

// initial value for task
func Seed(grace time.Duration, limit int) Cursor {
	if limit <= 0 {
		limit = 100
	}
	return Cursor{Grace: grace, Limit: limit}
}

// return:
//
// - task: validate or remove unvalidated records
func Task(
	gateway Getter,
	mir mirror.Interface,
	m *metrics.Collector,
	logger *zap.Logger,
) recurring.Task[Cursor] {
	logger = logger.Named("reconcile")
	return func(ctx context.Context, cursor Cursor) (Cursor, bool, error) {
		recs, err := mir.Unvalidated(ctx, time.Now().Add(-cursor.Grace), cursor.Limit)
		if err != nil {
			return cursor, false, err
		}

		var errs []error
		for _, rec := range recs {
			key := rec.Key()
			kind := rec.Asset.Kind()
			l := logger.With(zap.String("key", key), zap.String("kind", kind.String()))

			found, err := gateway.Get(ctx, kind, key)
			switch {
			case err == nil:
				if _, err := mir.Upsert(ctx, mirror.Record{Asset: found, Validated: true, UpdatedAt: time.Now()}); err != nil {
					errs = append(errs, err)
					m.Reconciled("error")
					continue
				}
				l.Info("record is validated")
				m.Reconciled("validated")
			case errors.Is(err, domain.ErrMissing):
				if _, err := mir.Delete(ctx, key); err != nil {
					errs = append(errs, err)
					m.Reconciled("error")
					continue
				}
				l.Info("record is not on the ledger; dropped")
				m.Reconciled("dropped")
			default:
				errs = append(errs, err)
				m.Reconciled("error")
			}
		}

		// a full batch means more can be.
		return cursor, len(recs) == cursor.Limit && len(errs) == 0, errors.Join(errs...)
	}
}
