package gc_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opst/tuplefab/pkg/tasks/gc"
	"go.uber.org/zap/zaptest"
)

type mockDirectories struct {
	orphans []string
	err     error
}

func (m mockDirectories) Orphans() ([]string, error) { return m.orphans, m.err }

type mockContainers struct {
	names []string
	err   error
}

func (m mockContainers) List(context.Context) ([]string, error) { return m.names, m.err }

type mockCleaner struct {
	inflight []string
	Impl     struct {
		Cleanup func(ctx context.Context, key string) (bool, error)
	}
	Calls []string
}

func (m *mockCleaner) InFlight() []string { return m.inflight }

func (m *mockCleaner) Cleanup(ctx context.Context, key string) (bool, error) {
	m.Calls = append(m.Calls, key)
	if m.Impl.Cleanup == nil {
		return true, nil
	}
	return m.Impl.Cleanup(ctx, key)
}

func TestGarbageCollectionTask(t *testing.T) {
	type when struct {
		dirs       mockDirectories
		containers mockContainers
		inflight   []string
		cleanup    func(context.Context, string) (bool, error)
	}
	type then struct {
		cleaned []string
		updated bool
		err     error
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			cleaner := &mockCleaner{inflight: when.inflight}
			cleaner.Impl.Cleanup = when.cleanup
			testee := gc.Task(when.dirs, when.containers, cleaner, zaptest.NewLogger(t))

			_, updated, err := testee(context.Background(), gc.Seed())
			if !errors.Is(err, then.err) {
				t.Errorf("unexpected error: %v", err)
			}
			if updated != then.updated {
				t.Errorf("updated: %v", updated)
			}
			if diff := cmp.Diff(then.cleaned, cleaner.Calls); diff != "" {
				t.Errorf("cleaned (-want +got):\n%s", diff)
			}
		}
	}

	t.Run("directories and containers of jobs not in flight are cleaned", theory(
		when{
			dirs: mockDirectories{orphans: []string{"tt-1", "ts-2"}},
			containers: mockContainers{names: []string{
				"train_tt-1", "metrics_ts-3", "dryrun_ds-4", "somebody_else", "unrelated",
			}},
			inflight: []string{"ts-2"},
		},
		then{cleaned: []string{"ds-4", "ts-3", "tt-1"}, updated: true},
	))

	t.Run("nothing to clean", theory(
		when{inflight: []string{"tt-1"}, dirs: mockDirectories{orphans: []string{"tt-1"}}},
		then{updated: false},
	))

	t.Run("jobs started meanwhile are skipped", theory(
		when{
			dirs:    mockDirectories{orphans: []string{"tt-1"}},
			cleanup: func(context.Context, string) (bool, error) { return false, nil },
		},
		then{cleaned: []string{"tt-1"}, updated: false},
	))

	failure := errors.New("device busy")
	t.Run("errors of cleanup are reported, others continue", theory(
		when{
			dirs: mockDirectories{orphans: []string{"tt-1", "tt-2"}},
			cleanup: func(_ context.Context, key string) (bool, error) {
				if key == "tt-1" {
					return true, failure
				}
				return true, nil
			},
		},
		then{cleaned: []string{"tt-1", "tt-2"}, updated: false, err: failure},
	))

	listFailure := errors.New("daemon is gone")
	t.Run("a listing error stops the turn", theory(
		when{
			dirs:       mockDirectories{orphans: []string{"tt-1"}},
			containers: mockContainers{err: listFailure},
		},
		then{updated: false, err: listFailure},
	))
}
