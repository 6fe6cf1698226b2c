// Package execution runs todo tuples assigned to this node.
//
// A turn finds todo tuples on the ledger, and starts a sandbox for each of them
// while there are free slots. The tuple is reported training (or testing)
// before its sandbox starts, and done or failed when it ends.
//
// Reports whose outcome on the ledger is unknown are not given up:
// tuples are read back from the ledger in later turns.
package execution

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/loop/recurring"
	"github.com/opst/tuplefab/pkg/sandbox/runner"
	"github.com/opst/tuplefab/pkg/sandbox/slots"
	"github.com/opst/tuplefab/pkg/tuple"
	"go.uber.org/zap"
)

type Finder interface {
	Find(ctx context.Context, kind domain.AssetKind, filter ledger.Filter) ([]domain.Asset, error)
	Get(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error)
}

type Reporter interface {
	Report(ctx context.Context, key string, to domain.TupleStatus, reporter string, out tuple.Outcome) (domain.Tuple, error)
	Sync(ctx context.Context, t domain.Tuple) (domain.TupleStatus, error)
}

type Slots interface {
	TryTake() (*slots.Slot, bool)
}

type Runner interface {
	Run(ctx context.Context, slot *slots.Slot, t domain.Tuple) runner.Outcome
	InFlight() []string
}

var (
	_ Finder   = &ledger.Gateway{}
	_ Reporter = &tuple.Machine{}
	_ Slots    = &slots.Pool{}
	_ Runner   = &runner.Runner{}
)

// Cursor is the state between turns.
type Cursor struct {
	// Kinds are looked up in this order. It rotates each turn, so that
	// neither traintuples nor testtuples starve.
	Kinds []domain.AssetKind
}

// initial value for task
func Seed() Cursor {
	return Cursor{Kinds: []domain.AssetKind{domain.KindTraintuple, domain.KindTesttuple}}
}

func (c Cursor) rotated() Cursor {
	if len(c.Kinds) < 2 {
		return c
	}
	kinds := append(append([]domain.AssetKind{}, c.Kinds[1:]...), c.Kinds[0])
	return Cursor{Kinds: kinds}
}

// reportTimeout bounds reports of outcomes, which outlive the turn.
//
// A start report which timed out is read back from the ledger until then,
// and considered lost after that.
const reportTimeout = 2 * time.Minute

// unsettled is a tuple whose start report timed out.
type unsettled struct {
	tuple    domain.Tuple
	deadline time.Time
}

// unreported is an outcome which could not be reported.
type unreported struct {
	tuple domain.Tuple
	out   runner.Outcome
}

type Executor struct {
	node     string
	finder   Finder
	reporter Reporter
	slots    Slots
	runner   Runner
	logger   *zap.Logger
	now      func() time.Time

	// ctx is the context of sandboxes. They outlive turns of the loop.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	unsettled  map[string]unsettled
	unreported map[string]unreported
}

type Option func(*Executor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(node string, finder Finder, reporter Reporter, s Slots, r Runner, logger *zap.Logger, options ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		node:       node,
		finder:     finder,
		reporter:   reporter,
		slots:      s,
		runner:     r,
		logger:     logger.Named("execution"),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		unsettled:  map[string]unsettled{},
		unreported: map[string]unreported{},
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// return:
//
// - task: report outcomes left unreported, and start sandboxes for todo tuples of this node
func (e *Executor) Task() recurring.Task[Cursor] {
	return func(ctx context.Context, cursor Cursor) (Cursor, bool, error) {
		var errs []error

		reported, err := e.report(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		started, err := e.settle(ctx)
		if err != nil {
			errs = append(errs, err)
		}

		inflight := map[string]bool{}
		for _, k := range e.runner.InFlight() {
			inflight[k] = true
		}
		e.mu.Lock()
		for k := range e.unsettled {
			inflight[k] = true
		}
		e.mu.Unlock()

	KINDS:
		for _, kind := range cursor.Kinds {
			found, err := e.finder.Find(ctx, kind, ledger.WorkerStatusFilter(kind, e.node, domain.Todo))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, a := range found {
				t, ok := domain.AsTuple(a)
				if !ok || inflight[t.AssetKey()] {
					continue
				}
				slot, ok := e.slots.TryTake()
				if !ok {
					break KINDS
				}
				if err := e.start(ctx, slot, t); err != nil {
					slot.Release()
					errs = append(errs, err)
					continue
				}
				started += 1
			}
		}
		return cursor.rotated(), 0 < started+reported, errors.Join(errs...)
	}
}

// start reports t running, and runs its sandbox in background.
//
// When the report times out, t is read back from the ledger by later turns.
func (e *Executor) start(ctx context.Context, slot *slots.Slot, t domain.Tuple) error {
	key := t.AssetKey()
	running := tuple.Running(t.Kind())
	if _, err := e.reporter.Report(ctx, key, running, e.node, tuple.Outcome{}); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			// somebody has started it already.
			e.logger.Info("tuple is not todo", zap.String("key", key), zap.Error(err))
			return nil
		case errors.Is(err, domain.ErrLedgerTimeout):
			e.logger.Warn("start of tuple is not confirmed; it is read back later", zap.String("key", key), zap.Error(err))
			e.mu.Lock()
			e.unsettled[key] = unsettled{tuple: t, deadline: e.now().Add(reportTimeout)}
			e.mu.Unlock()
		}
		return err
	}
	t.Header().Status = running
	e.run(slot, t)
	return nil
}

// settle reads back tuples whose start reports timed out.
//
// A tuple found running on the ledger gets its sandbox. A tuple still todo
// after the deadline is left to be started again. It returns the number of
// sandboxes started.
func (e *Executor) settle(ctx context.Context) (int, error) {
	e.mu.Lock()
	pending := maps.Clone(e.unsettled)
	e.mu.Unlock()

	started := 0
	var errs []error
	for key, u := range pending {
		a, err := e.finder.Get(ctx, u.tuple.Kind(), key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		onLedger, _ := domain.AsTuple(a)
		l := e.logger.With(zap.String("key", key))

		switch st := onLedger.Header().Status; st {
		case domain.Todo:
			if e.now().Before(u.deadline) {
				continue
			}
			l.Info("start of tuple is lost. it will be started again")
			e.settled(key)
		case tuple.Running(onLedger.Kind()):
			slot, ok := e.slots.TryTake()
			if !ok {
				continue
			}
			if _, err := e.reporter.Sync(ctx, onLedger); err != nil {
				slot.Release()
				errs = append(errs, err)
				continue
			}
			e.settled(key)
			l.Info("start of tuple is committed late")
			e.run(slot, onLedger)
			started += 1
		default:
			if _, err := e.reporter.Sync(ctx, onLedger); err != nil {
				errs = append(errs, err)
				continue
			}
			e.settled(key)
			l.Info("tuple is settled elsewhere", zap.Stringer("status", st))
		}
	}
	return started, errors.Join(errs...)
}

func (e *Executor) settled(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.unsettled, key)
}

func (e *Executor) run(slot *slots.Slot, t domain.Tuple) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer slot.Release()
		out := e.runner.Run(e.ctx, slot, t)
		e.finish(t, out)
	}()
}

func (e *Executor) finish(t domain.Tuple, out runner.Outcome) {
	key := t.AssetKey()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.ctx), reportTimeout)
	defer cancel()

	if out.Status == domain.Failed {
		e.logger.Warn("tuple failed", zap.String("key", key), zap.String("reason", out.Reason))
	}
	if _, err := e.reporter.Report(ctx, key, out.Status, e.node, out.Outcome); err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrInvalidTransition) {
			e.logger.Error(
				"outcome is rejected",
				zap.String("key", key), zap.Stringer("status", out.Status), zap.Error(err),
			)
			return
		}
		e.logger.Warn(
			"outcome is not reported. it is retried later",
			zap.String("key", key), zap.Stringer("status", out.Status), zap.Error(err),
		)
		e.mu.Lock()
		e.unreported[key] = unreported{tuple: t, out: out}
		e.mu.Unlock()
	}
}

// report retries outcomes which could not be reported. It returns the number of outcomes settled.
//
// An outcome found on the ledger already (the last report was committed
// after its deadline) is copied into the mirror instead.
func (e *Executor) report(ctx context.Context) (int, error) {
	e.mu.Lock()
	pending := maps.Clone(e.unreported)
	e.mu.Unlock()

	reported := 0
	var errs []error
	for key, u := range pending {
		a, err := e.finder.Get(ctx, u.tuple.Kind(), key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		onLedger, _ := domain.AsTuple(a)
		if onLedger.Header().Status.Terminal() {
			if _, err := e.reporter.Sync(ctx, onLedger); err != nil {
				errs = append(errs, err)
				continue
			}
		} else if _, err := e.reporter.Report(ctx, key, u.out.Status, e.node, u.out.Outcome); err != nil {
			errs = append(errs, err)
			continue
		}

		e.mu.Lock()
		delete(e.unreported, key)
		e.mu.Unlock()
		e.logger.Info("outcome is reported", zap.String("key", key), zap.Stringer("status", onLedger.Header().Status))
		reported += 1
	}
	return reported, errors.Join(errs...)
}

// Unreported returns keys of tuples whose outcomes are not reported yet.
func (e *Executor) Unreported() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.unreported))
}

// Close waits sandboxes running. When ctx is done before, sandboxes are cancelled.
//
// Cancelled sandboxes are reported failed.
func (e *Executor) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
		err = ctx.Err()
	}
	e.cancel()

	if keys := e.Unreported(); 0 < len(keys) {
		e.logger.Warn("outcomes are left unreported", zap.Strings("keys", keys))
	}
	return err
}
