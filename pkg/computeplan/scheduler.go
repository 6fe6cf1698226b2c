package computeplan

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/tuple"
	"go.uber.org/zap"
)

type Scheduler struct {
	node    string
	gateway *ledger.Gateway
	mirror  mirror.Interface
	logger  *zap.Logger

	newID func() string
	now   func() time.Time
}

type Option func(*Scheduler)

// WithIDGenerator replaces the generator of compute plan ids.
func WithIDGenerator(f func() string) Option {
	return func(s *Scheduler) { s.newID = f }
}

// New returns a Scheduler submitting plans on behalf of node.
func New(node string, gateway *ledger.Gateway, mir mirror.Interface, logger *zap.Logger, options ...Option) *Scheduler {
	s := &Scheduler{
		node:    node,
		gateway: gateway,
		mirror:  mir,
		logger:  logger.Named("computeplan"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Validate checks plan without writing anything.
//
// It returns an error wrapping domain.ErrValidation when
//
//   - ids of traintuples are empty or duplicated,
//   - traintuples depend on each other cyclically,
//   - a referenced asset is not in the mirror, is not visible from this node, or is of other kind,
//   - a traintuple outside of the plan is referenced and it has failed.
func (s *Scheduler) Validate(ctx context.Context, plan Plan) error {
	_, err := s.resolve(ctx, plan)
	return err
}

type resolved struct {
	order     []int
	index     map[string]int
	objective *domain.Objective
	assets    map[string]domain.Asset
}

func (r *resolved) owner(key string) string {
	owner, _ := domain.OwnerOf(r.assets[key])
	return owner
}

// testData returns the data manager and samples testtuple runs with, and whether they are of the objective.
func (r *resolved) testData(spec TesttupleSpec) (string, []string, bool) {
	if spec.DataManagerKey == "" && len(spec.DataSampleKeys) == 0 {
		return r.objective.TestDataManagerKey, r.objective.TestDataSampleKeys, true
	}
	return spec.DataManagerKey, spec.DataSampleKeys, false
}

func (s *Scheduler) resolve(ctx context.Context, plan Plan) (*resolved, error) {
	if len(plan.Traintuples) == 0 && len(plan.Testtuples) == 0 {
		return nil, domain.Validation("compute plan is empty")
	}

	index := map[string]int{}
	for i, t := range plan.Traintuples {
		if t.ID == "" {
			return nil, domain.Validation("traintuple[%d]: id is required", i)
		}
		if _, ok := index[t.ID]; ok {
			return nil, domain.Validation("traintuple id is duplicated: %s", t.ID)
		}
		index[t.ID] = i
	}

	g := newGraph(plan.Traintuples, index)
	order, err := g.order()
	if err != nil {
		return nil, err
	}

	r := &resolved{order: order, index: index, assets: map[string]domain.Asset{}}
	lookup := s.lookup(ctx, r)

	if _, err := lookup("algo", plan.AlgoKey, domain.KindAlgo); err != nil {
		return nil, err
	}
	obj, err := lookup("objective", plan.ObjectiveKey, domain.KindObjective)
	if err != nil {
		return nil, err
	}
	r.objective = obj.(*domain.Objective)

	for _, spec := range plan.Traintuples {
		if err := s.checkData(lookup, spec.ID, spec.DataManagerKey, spec.DataSampleKeys, true); err != nil {
			return nil, err
		}
		for _, p := range spec.InModels {
			if _, ok := index[p]; ok {
				continue
			}
			if err := s.checkParent(lookup, spec.ID, p); err != nil {
				return nil, err
			}
		}
	}

	for i, spec := range plan.Testtuples {
		id := testtupleID(i)
		if spec.Traintuple == "" {
			return nil, domain.Validation("%s: traintuple is required", id)
		}
		if _, ok := index[spec.Traintuple]; !ok {
			if err := s.checkParent(lookup, id, spec.Traintuple); err != nil {
				return nil, err
			}
		}
		dm, samples, certified := r.testData(spec)
		if certified && dm == "" {
			return nil, domain.Validation("%s: objective %s has no test data", id, plan.ObjectiveKey)
		}
		if err := s.checkData(lookup, id, dm, samples, false); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type lookupFunc func(what string, key string, kind domain.AssetKind) (domain.Asset, error)

func (s *Scheduler) lookup(ctx context.Context, r *resolved) lookupFunc {
	return func(what string, key string, kind domain.AssetKind) (domain.Asset, error) {
		if key == "" {
			return nil, domain.Validation("%s: key is required", what)
		}
		if a, ok := r.assets[key]; ok {
			if a.Kind() != kind {
				return nil, domain.Validation("%s: %s is a %s, not a %s", what, key, a.Kind(), kind)
			}
			return a, nil
		}
		rec, err := mirror.GetOne(ctx, s.mirror, key)
		if errors.Is(err, domain.ErrMissing) {
			return nil, domain.Validation("%s: %s %s is not found", what, kind, key)
		} else if err != nil {
			return nil, err
		}
		a := rec.Asset
		if a.Kind() != kind {
			return nil, domain.Validation("%s: %s is a %s, not a %s", what, key, a.Kind(), kind)
		}
		if owner, perm := domain.OwnerOf(a); kind != domain.KindDataSample && !perm.Visible(s.node, owner) {
			return nil, domain.Validation("%s: %s %s is not permitted to %s", what, kind, key, s.node)
		}
		r.assets[key] = a
		return a, nil
	}
}

func (s *Scheduler) checkData(lookup lookupFunc, id string, dmKey string, sampleKeys []string, training bool) error {
	if _, err := lookup(id+": data manager", dmKey, domain.KindDataManager); err != nil {
		return err
	}
	if len(sampleKeys) == 0 {
		return domain.Validation("%s: data samples are required", id)
	}
	for _, k := range sampleKeys {
		a, err := lookup(id+": data sample", k, domain.KindDataSample)
		if err != nil {
			return err
		}
		ds := a.(*domain.DataSample)
		if !slices.Contains(ds.DataManagerKeys, dmKey) {
			return domain.Validation("%s: data sample %s is not linked to data manager %s", id, k, dmKey)
		}
		if training && ds.TestOnly {
			return domain.Validation("%s: data sample %s is for test only", id, k)
		}
	}
	return nil
}

// checkParent checks a traintuple outside of the plan can be completed.
func (s *Scheduler) checkParent(lookup lookupFunc, id string, key string) error {
	a, err := lookup(id+": parent", key, domain.KindTraintuple)
	if err != nil {
		return err
	}
	if st := a.(*domain.Traintuple).Status; st == domain.Failed {
		return domain.Validation("%s: parent %s has failed", id, key)
	}
	return nil
}

// Submit validates plan, then creates its tuples on the ledger.
//
// Traintuples are created in a topological order, so that keys of
// parents are known when their children are created. Testtuples follow.
// Entries which exist already settle on their keys and the submission goes on.
//
// When an entry fails, the submission stops and *BatchError is returned.
// Validation failures are returned as they are, before anything is written.
func (s *Scheduler) Submit(ctx context.Context, plan Plan) (Submission, error) {
	r, err := s.resolve(ctx, plan)
	if err != nil {
		return Submission{}, err
	}

	planID := plan.ID
	if planID == "" {
		planID = s.newID()
	}
	l := s.logger.With(zap.String("computePlanID", planID))

	sub := Submission{
		ComputePlanID: planID,
		Traintuples:   map[string]ledger.Result{},
		Testtuples:    make([]ledger.Result, 0, len(plan.Testtuples)),
	}
	mapped := map[string]string{}
	statuses := map[string]domain.TupleStatus{}
	for key, a := range r.assets {
		if t, ok := domain.AsTuple(a); ok {
			statuses[key] = t.Header().Status
		}
	}
	keyOf := func(ref string) string {
		if _, ok := r.index[ref]; ok {
			return mapped[ref]
		}
		return ref
	}
	header := func(dm string, parents []domain.TupleStatus, tag string) domain.TupleHeader {
		return domain.TupleHeader{
			Status:        tuple.InitialStatus(parents...),
			Worker:        r.owner(dm),
			Creator:       s.node,
			Tag:           tag,
			ComputePlanID: planID,
			Permissions:   plan.Permissions,
		}
	}

	for rank, i := range r.order {
		spec := plan.Traintuples[i]
		inModels := make([]string, 0, len(spec.InModels))
		parents := make([]domain.TupleStatus, 0, len(spec.InModels))
		for _, p := range spec.InModels {
			k := keyOf(p)
			inModels = append(inModels, k)
			parents = append(parents, statuses[k])
		}

		t := &domain.Traintuple{
			Key: domain.TraintupleKey(
				plan.AlgoKey, plan.ObjectiveKey, spec.DataManagerKey, spec.DataSampleKeys, inModels,
			),
			AlgoKey:        plan.AlgoKey,
			ObjectiveKey:   plan.ObjectiveKey,
			DataManagerKey: spec.DataManagerKey,
			DataSampleKeys: spec.DataSampleKeys,
			InModels:       inModels,
			Rank:           rank,
			TupleHeader:    header(spec.DataManagerKey, parents, spec.Tag),
		}
		res, status, err := s.create(ctx, t)
		if err != nil {
			l.Warn("compute plan is broken off", zap.String("id", spec.ID), zap.Error(err))
			return sub, &BatchError{ID: spec.ID, Cause: err, Mapped: maps.Clone(mapped)}
		}
		mapped[spec.ID] = res.Key()
		statuses[res.Key()] = status
		sub.Traintuples[spec.ID] = res
	}

	for i, spec := range plan.Testtuples {
		id := testtupleID(i)
		train := keyOf(spec.Traintuple)
		dm, samples, certified := r.testData(spec)

		t := &domain.Testtuple{
			Key:            domain.TesttupleKey(train, plan.ObjectiveKey, dm, samples),
			TraintupleKey:  train,
			ObjectiveKey:   plan.ObjectiveKey,
			DataManagerKey: dm,
			DataSampleKeys: samples,
			Certified:      certified,
			TupleHeader:    header(dm, []domain.TupleStatus{statuses[train]}, spec.Tag),
		}
		res, _, err := s.create(ctx, t)
		if err != nil {
			l.Warn("compute plan is broken off", zap.String("id", id), zap.Error(err))
			return sub, &BatchError{ID: id, Cause: err, Mapped: maps.Clone(mapped)}
		}
		mapped[id] = res.Key()
		sub.Testtuples = append(sub.Testtuples, res)
	}

	l.Info(
		"compute plan is submitted",
		zap.Int("traintuples", len(sub.Traintuples)), zap.Int("testtuples", len(sub.Testtuples)),
	)
	return sub, nil
}

// create writes t speculatively into the mirror, then onto the ledger.
//
// It returns the result and the status of the tuple which the key settled on.
func (s *Scheduler) create(ctx context.Context, t domain.Tuple) (ledger.Result, domain.TupleStatus, error) {
	key := t.AssetKey()
	fcn, err := ledger.RegisterFunction(t.Kind())
	if err != nil {
		return ledger.Result{}, "", err
	}

	applied, err := s.mirror.Upsert(ctx, mirror.Record{Asset: t, UpdatedAt: s.now()})
	if err != nil {
		return ledger.Result{}, "", err
	}

	out, err := s.gateway.Invoke(ctx, ledger.Request{Fcn: fcn, Args: t, Key: key}, ledger.Sync)
	switch {
	case errors.Is(err, domain.ErrLedgerTimeout):
		// kept unvalidated, to be reconciled.
		return ledger.Result{}, "", err
	case err != nil:
		if applied {
			if _, derr := s.mirror.Delete(ctx, key); derr != nil {
				s.logger.Warn("speculative record is left", zap.String("key", key), zap.Error(derr))
			}
		}
		return ledger.Result{}, "", err
	}

	if out.Result.IsCreated() {
		if _, err := s.mirror.Upsert(ctx, mirror.Record{Asset: t, Validated: true, UpdatedAt: s.now()}); err != nil {
			return ledger.Result{}, "", err
		}
		return out.Result, t.Header().Status, nil
	}

	canonical := out.Result.Key()
	if canonical != key && applied {
		if _, err := s.mirror.Delete(ctx, key); err != nil {
			return ledger.Result{}, "", err
		}
	}
	existing, err := s.gateway.Get(ctx, t.Kind(), canonical)
	if err != nil {
		return ledger.Result{}, "", fmt.Errorf("%s exists, but cannot be read: %w", canonical, err)
	}
	if _, err := s.mirror.Upsert(ctx, mirror.Record{Asset: existing, Validated: true, UpdatedAt: s.now()}); err != nil {
		return ledger.Result{}, "", err
	}
	et, _ := domain.AsTuple(existing)
	return out.Result, et.Header().Status, nil
}
