package tuple

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/hook"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/mirror"
	"go.uber.org/zap"
)

// Outcome is what a worker reports with a status.
type Outcome struct {
	// Log is a short message of the run. It is set on failure, typically.
	Log string

	// OutModel is the model a traintuple produced. Reported with done.
	OutModel *domain.OutModel

	// Perf is the score of a testtuple. Reported with done.
	Perf *float64
}

// Event is the payload of lifecycle hooks.
type Event struct {
	Key      string             `json:"key"`
	Kind     domain.AssetKind   `json:"kind"`
	From     domain.TupleStatus `json:"from"`
	To       domain.TupleStatus `json:"to"`
	Worker   string             `json:"worker"`
	Log      string             `json:"log,omitempty"`
	OutModel *domain.OutModel   `json:"outModel,omitempty"`
	Perf     *float64           `json:"perf,omitempty"`
}

type Machine struct {
	gateway *ledger.Gateway
	mirror  mirror.Interface
	logger  *zap.Logger
	hook    hook.Hook[Event]
	metrics *metrics.Collector
	now     func() time.Time
}

type Option func(*Machine)

func WithHook(h hook.Hook[Event]) Option {
	return func(m *Machine) { m.hook = h }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Machine) { m.metrics = c }
}

func New(gateway *ledger.Gateway, mir mirror.Interface, logger *zap.Logger, options ...Option) *Machine {
	m := &Machine{
		gateway: gateway,
		mirror:  mir,
		logger:  logger.Named("tuple"),
		hook:    hook.None[Event]{},
		now:     time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Report moves the tuple of key to status "to", on behalf of its worker.
//
// The transition is written to the ledger synchronously, then to the mirror.
// When the tuple gets done, waiting dependents whose parents are all done become todo.
// When it fails, waiting dependents fail too.
//
// Errors:
//
//   - domain.ErrNotWorker: reporter is not the worker of the tuple.
//   - domain.ErrInvalidTransition: the tuple cannot move to "to".
//   - hook.ErrHookFailed: the before-hook rejected the transition.
//   - errors of ledger.Gateway.Invoke.
//
// On any error, the mirror is left as it was.
func (m *Machine) Report(ctx context.Context, key string, to domain.TupleStatus, reporter string, out Outcome) (domain.Tuple, error) {
	t, err := m.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	h := t.Header()
	if h.Worker != reporter {
		return nil, fmt.Errorf("%w: %s is assigned to %s, reported by %s", domain.ErrNotWorker, key, h.Worker, reporter)
	}
	from := h.Status
	if err := Validate(t.Kind(), from, to); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	fcn, err := ledger.ReportFunction(t.Kind(), to)
	if err != nil {
		return nil, err
	}

	ev := Event{
		Key: key, Kind: t.Kind(), From: from, To: to, Worker: h.Worker,
		Log: out.Log, OutModel: out.OutModel, Perf: out.Perf,
	}
	if err := m.hook.Before(ctx, ev); err != nil {
		return nil, err
	}

	args := map[string]any{"key": key}
	if out.Log != "" {
		args["log"] = out.Log
	}
	if to == domain.Done {
		switch t.Kind() {
		case domain.KindTraintuple:
			args["outModel"] = out.OutModel
		case domain.KindTesttuple:
			args["perf"] = out.Perf
		}
	}
	if _, err := m.gateway.Invoke(ctx, ledger.Request{Fcn: fcn, Args: args, Key: key}, ledger.Sync); err != nil {
		return nil, err
	}

	apply(t, to, out)
	if _, err := m.mirror.Upsert(ctx, mirror.Record{Asset: t, Validated: true, UpdatedAt: m.now()}); err != nil {
		return nil, err
	}
	m.logger.Info(
		"tuple status changed",
		zap.String("key", key), zap.String("kind", t.Kind().String()),
		zap.Stringer("from", from), zap.Stringer("to", to),
	)
	if to.Terminal() {
		m.metrics.TupleExecuted(t.Kind().String(), to.String())
		if err := m.propagate(ctx, key, to); err != nil {
			m.logger.Warn("dependents are not updated", zap.String("key", key), zap.Error(err))
		}
	}

	if err := m.hook.After(ctx, ev); err != nil {
		m.logger.Warn("after-hook failed", zap.String("key", key), zap.Error(err))
	}
	return t, nil
}

// Load returns the tuple of key, from the mirror or else the ledger.
func (m *Machine) Load(ctx context.Context, key string) (domain.Tuple, error) {
	rec, err := mirror.GetOne(ctx, m.mirror, key)
	if err == nil {
		t, ok := domain.AsTuple(rec.Asset)
		if !ok {
			return nil, domain.Validation("%s is a %s, not a tuple", key, rec.Asset.Kind())
		}
		return t, nil
	}
	if !errors.Is(err, domain.ErrMissing) {
		return nil, err
	}

	for _, kind := range []domain.AssetKind{domain.KindTraintuple, domain.KindTesttuple} {
		a, err := m.gateway.Get(ctx, kind, key)
		if errors.Is(err, domain.ErrMissing) {
			continue
		} else if err != nil {
			return nil, err
		}
		t, _ := domain.AsTuple(a)
		if _, err := m.mirror.Upsert(ctx, mirror.Record{Asset: a, Validated: true, UpdatedAt: m.now()}); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("tuple %s: %w", key, domain.ErrMissing)
}

// Sync stores a tuple read from the ledger into the mirror.
//
// It returns the status the mirror settled on.
func (m *Machine) Sync(ctx context.Context, t domain.Tuple) (domain.TupleStatus, error) {
	current := domain.TupleStatus("")
	if rec, err := mirror.GetOne(ctx, m.mirror, t.AssetKey()); err == nil {
		current = rec.Status()
	} else if !errors.Is(err, domain.ErrMissing) {
		return "", err
	}

	settled := Observe(current, t.Header().Status)
	if settled != t.Header().Status {
		m.logger.Debug(
			"ledger lags behind",
			zap.String("key", t.AssetKey()),
			zap.Stringer("mirror", current), zap.Stringer("ledger", t.Header().Status),
		)
		return settled, nil
	}
	if _, err := m.mirror.Upsert(ctx, mirror.Record{Asset: t, Validated: true, UpdatedAt: m.now()}); err != nil {
		return "", err
	}
	return settled, nil
}

// Promote moves a waiting tuple by the statuses of its parents, read from the ledger.
//
// It becomes todo when all parents are done, and failed when any parent failed.
// Dependents of a tuple got failed fail too.
// Parents may be run by other nodes, so this is how a dependent learns
// that its parents have finished there.
//
// It returns the status t has after it. Tuples not waiting are left as they are.
func (m *Machine) Promote(ctx context.Context, t domain.Tuple) (domain.TupleStatus, error) {
	if t.Header().Status != domain.Waiting {
		return t.Header().Status, nil
	}

	parents := t.Parents()
	statuses := make([]domain.TupleStatus, 0, len(parents))
	for _, p := range parents {
		// parents of both traintuples and testtuples are traintuples.
		a, err := m.gateway.Get(ctx, domain.KindTraintuple, p)
		if err != nil {
			return domain.Waiting, fmt.Errorf("parent %s of %s: %w", p, t.AssetKey(), err)
		}
		parent, _ := domain.AsTuple(a)
		statuses = append(statuses, parent.Header().Status)
	}

	next := InitialStatus(statuses...)
	if next == domain.Waiting {
		return next, nil
	}
	if err := m.move(ctx, t, next); err != nil {
		return domain.Waiting, err
	}
	if next == domain.Failed {
		if err := m.propagate(ctx, t.AssetKey(), domain.Failed); err != nil {
			m.logger.Warn("dependents are not updated", zap.String("key", t.AssetKey()), zap.Error(err))
		}
	}
	return next, nil
}

func apply(t domain.Tuple, to domain.TupleStatus, out Outcome) {
	h := t.Header()
	h.Status = to
	if out.Log != "" {
		h.Log = out.Log
	}
	if to != domain.Done {
		return
	}
	switch t := t.(type) {
	case *domain.Traintuple:
		t.OutModel = out.OutModel
	case *domain.Testtuple:
		t.Perf = out.Perf
	}
}

// propagate moves waiting dependents of parent, which has got status.
func (m *Machine) propagate(ctx context.Context, parent string, status domain.TupleStatus) error {
	deps, err := m.mirror.Dependents(ctx, parent)
	if err != nil {
		return err
	}

	var errs []error
	for _, rec := range deps {
		if rec.Status() != domain.Waiting {
			continue
		}
		t, _ := domain.AsTuple(rec.Asset)

		next := domain.Failed
		if status == domain.Done {
			ready, err := m.parentsDone(ctx, t)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !ready {
				continue
			}
			next = domain.Todo
		}

		if err := m.move(ctx, t, next); err != nil {
			errs = append(errs, err)
			continue
		}
		if next == domain.Failed {
			if err := m.propagate(ctx, t.AssetKey(), domain.Failed); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Machine) parentsDone(ctx context.Context, t domain.Tuple) (bool, error) {
	parents := t.Parents()
	found, err := m.mirror.Get(ctx, parents...)
	if err != nil {
		return false, err
	}
	for _, p := range parents {
		rec, ok := found[p]
		if !ok || rec.Status() != domain.Done {
			return false, nil
		}
	}
	return true, nil
}

// move changes status of a waiting tuple. It is not a report of its worker.
func (m *Machine) move(ctx context.Context, t domain.Tuple, to domain.TupleStatus) error {
	key := t.AssetKey()
	from := t.Header().Status
	if err := Validate(t.Kind(), from, to); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	req := ledger.Request{
		Fcn:  ledger.FnUpdateTupleStatus,
		Args: map[string]string{"key": key, "status": to.String()},
		Key:  key,
	}
	if _, err := m.gateway.Invoke(ctx, req, ledger.Sync); err != nil {
		return err
	}
	t.Header().Status = to
	if _, err := m.mirror.Upsert(ctx, mirror.Record{Asset: t, Validated: true, UpdatedAt: m.now()}); err != nil {
		return err
	}
	m.logger.Info(
		"dependent tuple status changed",
		zap.String("key", key), zap.Stringer("from", from), zap.Stringer("to", to),
	)
	return nil
}
