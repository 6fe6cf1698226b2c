// Package registry registers assets of this node onto the ledger.
//
// Files of assets are kept in the local store under their content keys;
// only their keys and metadata go to the ledger.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/queue"
	"github.com/opst/tuplefab/pkg/storage"
	"github.com/opst/tuplefab/pkg/utils/digest"
	"go.uber.org/zap"
)

// DryRunner runs openers and algos against data samples, in a sandbox.
type DryRunner interface {
	DryRunData(ctx context.Context, key string, opener string, samples []string) error

	// DryRunAlgo builds the algo in dir, and trains it on the samples.
	DryRunAlgo(ctx context.Context, key string, dir string, opener string, samples []string) error
}

type Registry struct {
	node    string
	gateway *ledger.Gateway
	mirror  mirror.Interface
	store   *storage.Store
	queue   *queue.Queue
	dryrun  DryRunner
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Registry)

// WithDryRunner enables dry-runs of data samples and algos.
func WithDryRunner(d DryRunner) Option {
	return func(r *Registry) { r.dryrun = d }
}

func New(
	node string,
	gateway *ledger.Gateway, mir mirror.Interface, store *storage.Store, q *queue.Queue,
	logger *zap.Logger, options ...Option,
) *Registry {
	r := &Registry{
		node: node, gateway: gateway, mirror: mir, store: store, queue: q,
		logger: logger.Named("registry"),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

type DataManagerRequest struct {
	Name        string
	Type        string
	OpenerPath  string
	Description string
	// ObjectiveKey links the data manager to an objective. Optional.
	ObjectiveKey string
	Permissions  domain.Permissions
}

// RegisterDataManager registers a data manager. Its key is the digest of the opener.
func (r *Registry) RegisterDataManager(ctx context.Context, req DataManagerRequest, mode ledger.Mode) (ledger.Outcome, error) {
	if req.Name == "" {
		return ledger.Outcome{}, domain.Validation("data manager: name is required")
	}
	if req.ObjectiveKey != "" {
		if _, err := r.find(ctx, req.ObjectiveKey, domain.KindObjective); err != nil {
			return ledger.Outcome{}, err
		}
	}
	keys, fresh, err := r.put(req.OpenerPath)
	if err != nil {
		return ledger.Outcome{}, err
	}
	dm := &domain.DataManager{
		Key:          keys[0],
		Name:         req.Name,
		Owner:        r.node,
		Type:         req.Type,
		ObjectiveKey: req.ObjectiveKey,
		Description:  req.Description,
		Permissions:  req.Permissions,
	}
	return r.commit(ctx, dm, fresh, mode)
}

type ObjectiveRequest struct {
	Name        string
	MetricsPath string
	Description string

	TestDataManagerKey string
	TestDataSampleKeys []string

	Permissions domain.Permissions
}

// RegisterObjective registers an objective. Its key is the digest of the metrics.
func (r *Registry) RegisterObjective(ctx context.Context, req ObjectiveRequest, mode ledger.Mode) (ledger.Outcome, error) {
	if req.Name == "" {
		return ledger.Outcome{}, domain.Validation("objective: name is required")
	}
	if req.TestDataManagerKey != "" {
		if _, err := r.find(ctx, req.TestDataManagerKey, domain.KindDataManager); err != nil {
			return ledger.Outcome{}, err
		}
	}
	for _, k := range req.TestDataSampleKeys {
		a, err := r.find(ctx, k, domain.KindDataSample)
		if err != nil {
			return ledger.Outcome{}, err
		}
		if !a.(*domain.DataSample).TestOnly {
			return ledger.Outcome{}, domain.Validation("objective: data sample %s is not for test", k)
		}
	}
	keys, fresh, err := r.put(req.MetricsPath)
	if err != nil {
		return ledger.Outcome{}, err
	}
	obj := &domain.Objective{
		Key:                keys[0],
		Name:               req.Name,
		Owner:              r.node,
		Description:        req.Description,
		TestDataManagerKey: req.TestDataManagerKey,
		TestDataSampleKeys: req.TestDataSampleKeys,
		Permissions:        req.Permissions,
	}
	return r.commit(ctx, obj, fresh, mode)
}

type AlgoRequest struct {
	Name string
	// Path is a directory with a Dockerfile.
	Path        string
	Description string
	Permissions domain.Permissions
}

// RegisterAlgo registers an algo. Its key is the digest of the directory.
func (r *Registry) RegisterAlgo(ctx context.Context, req AlgoRequest, mode ledger.Mode) (ledger.Outcome, error) {
	if req.Name == "" {
		return ledger.Outcome{}, domain.Validation("algo: name is required")
	}
	if info, err := os.Stat(req.Path); err != nil {
		return ledger.Outcome{}, domain.Validation("algo: %v", domain.Filesystem(err))
	} else if !info.IsDir() {
		return ledger.Outcome{}, domain.Validation("algo: %s is not a directory", req.Path)
	}
	keys, fresh, err := r.put(req.Path)
	if err != nil {
		return ledger.Outcome{}, err
	}
	algo := &domain.Algo{
		Key:         keys[0],
		Name:        req.Name,
		Owner:       r.node,
		Description: req.Description,
		Permissions: req.Permissions,
	}
	return r.commit(ctx, algo, fresh, mode)
}

type AlgoDryRunRequest struct {
	// Path is a directory with a Dockerfile.
	Path string

	// DataManagerKey names the opener reading the samples.
	DataManagerKey string

	// DataSampleKeys are data samples in the store of this node.
	DataSampleKeys []string
}

// DryRunAlgo trains the algo at req.Path on data samples of this node, without registering it.
//
// The dry-run runs on the job queue. Neither the ledger nor the mirror are written.
func (r *Registry) DryRunAlgo(ctx context.Context, req AlgoDryRunRequest) (*queue.Handle[struct{}], error) {
	if r.dryrun == nil {
		return nil, domain.Validation("algo: dry-run is not available on this node")
	}
	if info, err := os.Stat(req.Path); err != nil {
		return nil, domain.Validation("algo: %v", domain.Filesystem(err))
	} else if !info.IsDir() {
		return nil, domain.Validation("algo: %s is not a directory", req.Path)
	}
	key, err := digest.Path(req.Path)
	if err != nil {
		return nil, domain.Validation("algo: %v", domain.Filesystem(err))
	}

	if _, err := r.find(ctx, req.DataManagerKey, domain.KindDataManager); err != nil {
		return nil, err
	}
	if !r.store.Has(req.DataManagerKey) {
		return nil, domain.Validation("algo: opener of %s is not on this node", req.DataManagerKey)
	}
	if len(req.DataSampleKeys) == 0 {
		return nil, domain.Validation("algo: data samples are required for a dry-run")
	}
	samples := make([]string, 0, len(req.DataSampleKeys))
	for _, k := range req.DataSampleKeys {
		if !r.store.Has(k) {
			return nil, domain.Validation("algo: data sample %s is not on this node", k)
		}
		samples = append(samples, r.store.Path(k))
	}
	opener := r.store.Path(req.DataManagerKey)
	dir := req.Path

	h, err := queue.Submit(r.queue, "dryrun:"+key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.dryrun.DryRunAlgo(ctx, key, dir, opener, samples)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("dry-run is enqueued", zap.String("job", h.ID()), zap.String("algo", key))
	return h, nil
}

// find returns the asset of key of kind from the mirror, or a validation error.
func (r *Registry) find(ctx context.Context, key string, kind domain.AssetKind) (domain.Asset, error) {
	rec, err := mirror.GetOne(ctx, r.mirror, key)
	if errors.Is(err, domain.ErrMissing) {
		return nil, domain.Validation("%s %s is not found", kind, key)
	} else if err != nil {
		return nil, err
	}
	if rec.Asset.Kind() != kind {
		return nil, domain.Validation("%s is a %s, not a %s", key, rec.Asset.Kind(), kind)
	}
	return rec.Asset, nil
}

// put stores files at paths. It returns their keys, and keys which are new in the store.
func (r *Registry) put(paths ...string) ([]string, []string, error) {
	keys := make([]string, 0, len(paths))
	fresh := []string{}
	for _, p := range paths {
		if p == "" {
			r.rollbackStore(fresh)
			return nil, nil, domain.Validation("path is required")
		}
		key, err := digest.Path(p)
		if err != nil {
			r.rollbackStore(fresh)
			return nil, nil, domain.Validation("%s: %v", p, domain.Filesystem(err))
		}
		existed := r.store.Has(key)
		if _, err := r.store.Put(p); err != nil {
			r.rollbackStore(fresh)
			return nil, nil, err
		}
		keys = append(keys, key)
		if !existed {
			fresh = append(fresh, key)
		}
	}
	return keys, fresh, nil
}

func (r *Registry) rollbackStore(keys []string) {
	for _, k := range keys {
		if err := r.store.Remove(k); err != nil {
			r.logger.Warn("stored file is left", zap.String("key", k), zap.Error(err))
		}
	}
}

// commit writes asset onto the ledger, with a speculative record in the mirror.
//
// On a hard ledger error, the record and the files newly stored (fresh) are removed.
// On a timeout, they are kept, and the record stays unvalidated.
func (r *Registry) commit(ctx context.Context, asset domain.Asset, fresh []string, mode ledger.Mode) (ledger.Outcome, error) {
	key := asset.AssetKey()
	l := r.logger.With(zap.String("kind", asset.Kind().String()), zap.String("key", key))

	fcn, err := ledger.RegisterFunction(asset.Kind())
	if err != nil {
		return ledger.Outcome{}, err
	}
	applied, err := r.mirror.Upsert(ctx, mirror.Record{Asset: asset, UpdatedAt: r.now()})
	if err != nil {
		r.rollbackStore(fresh)
		return ledger.Outcome{}, err
	}

	out, err := r.gateway.Invoke(ctx, ledger.Request{Fcn: fcn, Args: asset, Key: key}, mode)
	switch {
	case errors.Is(err, domain.ErrLedgerTimeout):
		l.Warn("outcome of registration is unknown; left to reconciliation", zap.Error(err))
		return out, err
	case err != nil:
		if applied {
			if _, derr := r.mirror.Delete(ctx, key); derr != nil {
				l.Warn("speculative record is left", zap.Error(derr))
			}
		}
		r.rollbackStore(fresh)
		return out, err
	}
	if !out.Validated {
		l.Info("registration is enqueued", zap.String("job", out.Handle.ID()))
		return out, nil
	}

	if out.Result.IsCreated() {
		if _, err := r.mirror.Upsert(ctx, mirror.Record{Asset: asset, Validated: true, UpdatedAt: r.now()}); err != nil {
			return out, err
		}
		l.Info("registered")
		return out, nil
	}

	canonical := out.Result.Key()
	if canonical != key && applied {
		if _, err := r.mirror.Delete(ctx, key); err != nil {
			return out, err
		}
	}
	existing, err := r.gateway.Get(ctx, asset.Kind(), canonical)
	if err != nil {
		return out, fmt.Errorf("%s exists, but cannot be read: %w", canonical, err)
	}
	if _, err := r.mirror.Upsert(ctx, mirror.Record{Asset: existing, Validated: true, UpdatedAt: r.now()}); err != nil {
		return out, err
	}
	l.Info("registered already", zap.String("canonical", canonical))
	return out, nil
}
