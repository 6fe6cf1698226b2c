package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opst/tuplefab/internal/testutils/fixture"
	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/tasks/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
)

type mockGetter struct {
	Impl struct {
		Get func(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error)
	}
}

func (m *mockGetter) Get(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error) {
	return m.Impl.Get(ctx, kind, key)
}

func speculate(t *testing.T, mir mirror.Interface, age time.Duration, assets ...domain.Asset) {
	t.Helper()
	for _, a := range assets {
		rec := mirror.Record{Asset: a, UpdatedAt: time.Now().Add(-age)}
		if _, err := mir.Upsert(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTask(t *testing.T) {
	node := fixture.New(t)
	ctx := context.Background()

	// on the ledger, and on the mirror unvalidated.
	onLedger := &domain.Algo{Key: "algo-1", Name: "on ledger", Owner: "node-1"}
	node.Ledger.Put(onLedger)
	speculate(t, node.Mirror, time.Hour, onLedger)

	// lost async writes.
	speculate(t, node.Mirror, time.Hour, &domain.Algo{Key: "algo-2", Owner: "node-1"})

	// too young to be reconciled.
	speculate(t, node.Mirror, 0, &domain.Algo{Key: "algo-3", Owner: "node-1"})

	reg := prometheus.NewRegistry()
	testee := reconcile.Task(node.Gateway, node.Mirror, metrics.New(reg), zaptest.NewLogger(t))
	cursor, updated, err := testee(ctx, reconcile.Seed(time.Minute, 10))
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Errorf("updated with a partial batch")
	}
	if cursor.Grace != time.Minute || cursor.Limit != 10 {
		t.Errorf("cursor: %+v", cursor)
	}

	if rec := node.Record(t, "algo-1"); !rec.Validated {
		t.Errorf("algo-1 is not validated")
	}
	if _, err := mirror.GetOne(ctx, node.Mirror, "algo-2"); !errors.Is(err, domain.ErrMissing) {
		t.Errorf("algo-2 remains: %v", err)
	}
	if rec := node.Record(t, "algo-3"); rec.Validated {
		t.Errorf("algo-3 is reconciled before its grace period")
	}

	expected := `
# HELP tuplefab_mirror_reconciled_total Unvalidated mirror records settled by reconciliation.
# TYPE tuplefab_mirror_reconciled_total counter
tuplefab_mirror_reconciled_total{result="dropped"} 1
tuplefab_mirror_reconciled_total{result="validated"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tuplefab_mirror_reconciled_total"); err != nil {
		t.Error(err)
	}
}

func TestTask_batches(t *testing.T) {
	type then struct {
		updated bool
		err     error
		left    int
	}

	theory := func(ledgerErr error, then then) func(*testing.T) {
		return func(t *testing.T) {
			node := fixture.New(t)
			for _, k := range []string{"a", "b", "c"} {
				speculate(t, node.Mirror, time.Hour, &domain.Algo{Key: k})
			}
			gw := &mockGetter{}
			gw.Impl.Get = func(_ context.Context, kind domain.AssetKind, key string) (domain.Asset, error) {
				if kind != domain.KindAlgo {
					t.Errorf("kind: %s", kind)
				}
				if ledgerErr != nil {
					return nil, ledgerErr
				}
				return &domain.Algo{Key: key}, nil
			}

			testee := reconcile.Task(gw, node.Mirror, nil, zaptest.NewLogger(t))
			_, updated, err := testee(context.Background(), reconcile.Seed(time.Minute, 2))
			if updated != then.updated {
				t.Errorf("updated: %v", updated)
			}
			if !errors.Is(err, then.err) {
				t.Errorf("unexpected error: %v", err)
			}
			left, err := node.Mirror.Unvalidated(context.Background(), time.Now(), 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(left) != then.left {
				t.Errorf("left unvalidated: %d", len(left))
			}
		}
	}

	t.Run("a full batch asks for the next turn", theory(nil, then{updated: true, left: 1}))

	down := &ledger.ChaincodeError{Status: 503, Message: "unavailable"}
	t.Run("ledger errors keep records", theory(down, then{updated: false, err: down, left: 3}))
}
