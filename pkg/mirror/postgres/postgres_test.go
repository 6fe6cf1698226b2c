package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/mirror/postgres"
)

// open connects to the database named by TUPLEFAB_TEST_DATABASE_URL.
// Tests are skipped without it.
func open(t *testing.T) *postgres.Mirror {
	t.Helper()
	url := os.Getenv("TUPLEFAB_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TUPLEFAB_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	m, err := postgres.Open(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMirror(t *testing.T) {
	m := open(t)
	ctx := context.Background()
	prefix := time.Now().Format("20060102150405.000000") + "-"

	t.Run("a validated record survives a late unvalidated write", func(t *testing.T) {
		key := prefix + "algo"
		if ok, err := m.Upsert(ctx, mirror.Record{Asset: &domain.Algo{Key: key, Name: "confirmed"}, Validated: true}); err != nil || !ok {
			t.Fatalf("first upsert: (%v, %v)", ok, err)
		}
		if ok, err := m.Upsert(ctx, mirror.Record{Asset: &domain.Algo{Key: key, Name: "speculative"}}); err != nil || ok {
			t.Fatalf("second upsert: (%v, %v)", ok, err)
		}
		rec, err := mirror.GetOne(ctx, m, key)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Asset.(*domain.Algo).Name != "confirmed" || !rec.Validated {
			t.Errorf("record: %+v", rec)
		}
		if removed, err := m.Delete(ctx, key); err != nil || removed {
			t.Errorf("validated record should not be deleted: (%v, %v)", removed, err)
		}
	})

	t.Run("dependents and unvalidated listing", func(t *testing.T) {
		parent := prefix + "t1"
		child := prefix + "t2"
		m.Upsert(ctx, mirror.Record{Asset: &domain.Traintuple{Key: parent, TupleHeader: domain.TupleHeader{Status: domain.Todo}}})
		m.Upsert(ctx, mirror.Record{Asset: &domain.Traintuple{Key: child, InModels: []string{parent}, TupleHeader: domain.TupleHeader{Status: domain.Waiting}}})

		deps, err := m.Dependents(ctx, parent)
		if err != nil {
			t.Fatal(err)
		}
		if len(deps) != 1 || deps[0].Key() != child || deps[0].Status() != domain.Waiting {
			t.Errorf("dependents: %+v", deps)
		}

		recs, err := m.Unvalidated(ctx, time.Now().Add(time.Minute), 0)
		if err != nil {
			t.Fatal(err)
		}
		seen := map[string]bool{}
		for _, r := range recs {
			seen[r.Key()] = true
		}
		if !seen[parent] || !seen[child] {
			t.Errorf("unvalidated records are missing: %v", seen)
		}

		for _, k := range []string{parent, child} {
			if removed, err := m.Delete(ctx, k); err != nil || !removed {
				t.Errorf("delete %s: (%v, %v)", k, removed, err)
			}
		}
	})
}
