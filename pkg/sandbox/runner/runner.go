// Package runner executes tuples in sandboxes.
//
// A sandbox is a per-job directory (see materials) exposed to containers at
// /sandbox:
//
//	/sandbox/data    data samples, read-only
//	/sandbox/opener  the opener of the data manager, as __init__.py, read-only
//	/sandbox/model   input models (read-only links) and the output model
//	/sandbox/pred    predictions and perf.json
//	/sandbox/metrics the metrics of the objective, as __init__.py, read-only
//
// Containers run without network, on CPUs of an execution slot.
// Whatever happens, containers and the directory of the job are removed
// before Run returns.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/sandbox/materials"
	"github.com/opst/tuplefab/pkg/sandbox/mount"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/sandbox/slots"
	"github.com/opst/tuplefab/pkg/storage"
	"github.com/opst/tuplefab/pkg/tuple"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	sandboxRoot = "/sandbox"
	dirMetrics  = "metrics"

	// OutModelFile is where a train container writes its model, under /sandbox/model.
	OutModelFile = "model"

	// PerfFile is where a metrics container writes scores, under /sandbox/pred.
	PerfFile = "perf.json"

	maxReportedLog = 2000
	teardownTimeout = time.Minute
)

type Config struct {
	Memory resource.Quantity
	Shm    resource.Quantity

	// MetricsImage runs metrics of objectives.
	MetricsImage string

	// DryRunImage runs openers against data samples to check them.
	DryRunImage string
}

// Assets looks assets up.
type Assets interface {
	Asset(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error)
}

type Runner struct {
	runtime   runtime.Runtime
	materials *materials.Manager
	mounter   mount.Mounter
	slots     *slots.Pool
	store     *storage.Store
	assets    Assets
	conf      Config
	metrics   *metrics.Collector
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]*claim
	images   map[string]string
}

type Option func(*Runner)

func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

func New(
	rt runtime.Runtime, mat *materials.Manager, mounter mount.Mounter,
	pool *slots.Pool, store *storage.Store, assets Assets,
	conf Config, logger *zap.Logger, options ...Option,
) *Runner {
	r := &Runner{
		runtime:   rt,
		materials: mat,
		mounter:   mounter,
		slots:     pool,
		store:     store,
		assets:    assets,
		conf:      conf,
		logger:    logger.Named("runner"),
		inflight:  map[string]*claim{},
		images:    map[string]string{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Outcome is the result of a sandbox run.
//
// Status is done or failed. Reason tells why it failed.
type Outcome struct {
	Status domain.TupleStatus
	Reason string

	tuple.Outcome
}

func failed(reason string, log string) Outcome {
	return Outcome{
		Status:  domain.Failed,
		Reason:  reason,
		Outcome: tuple.Outcome{Log: tail(reason+"\n"+log, maxReportedLog)},
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// claim is a job or a cleanup holding a key.
type claim struct {
	cleanup bool
	done    chan struct{}
}

// InFlight returns keys of jobs running now. Keys being cleaned up are not included.
func (r *Runner) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.inflight))
	for k, c := range r.inflight {
		if !c.cleanup {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// track marks key in flight. It returns false when a job of key is in flight already.
//
// When key is being cleaned up, it waits for the cleanup.
func (r *Runner) track(ctx context.Context, key string) (bool, error) {
	for {
		r.mu.Lock()
		c, ok := r.inflight[key]
		if !ok {
			r.inflight[key] = &claim{done: make(chan struct{})}
			r.mu.Unlock()
			return true, nil
		}
		r.mu.Unlock()

		if !c.cleanup {
			return false, nil
		}
		select {
		case <-c.done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// trackCleanup marks key being cleaned up. It returns false when key is held by anyone.
func (r *Runner) trackCleanup(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inflight[key]; ok {
		return false
	}
	r.inflight[key] = &claim{cleanup: true, done: make(chan struct{})}
	return true
}

func (r *Runner) untrack(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.inflight[key]; ok {
		delete(r.inflight, key)
		close(c.done)
	}
}

// Run executes t on the CPUs of slot.
//
// It never returns an error: any problem makes the outcome failed.
func (r *Runner) Run(ctx context.Context, slot *slots.Slot, t domain.Tuple) (out Outcome) {
	key := t.AssetKey()
	logger := r.logger.With(zap.String("key", key), zap.String("kind", t.Kind().String()))

	if ok, err := r.track(ctx, key); err != nil {
		return failed("cancelled while leftovers of the tuple are removed: "+err.Error(), "")
	} else if !ok {
		return failed("the tuple is running already", "")
	}
	defer r.untrack(key)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("sandbox panicked", zap.Any("panic", p))
			out = failed(fmt.Sprintf("sandbox panicked: %v", p), "")
		}
	}()

	path, err := r.materials.Acquire(key)
	if err != nil {
		return failed(err.Error(), "")
	}
	defer r.teardown(ctx, key, path)

	switch t := t.(type) {
	case *domain.Traintuple:
		out = r.train(ctx, logger, sandbox{path: path, cpuset: slot.Cpuset()}, t)
	case *domain.Testtuple:
		out = r.test(ctx, logger, sandbox{path: path, cpuset: slot.Cpuset()}, t)
	default:
		return failed(fmt.Sprintf("%s cannot be run", t.Kind()), "")
	}
	logger.Info("sandbox finished", zap.String("status", out.Status.String()), zap.String("reason", out.Reason))
	return out
}

// Cleanup removes containers and the directory of the job key.
//
// Jobs in flight are not touched; it reports false for them.
// A Run of key started meanwhile waits for the cleanup.
func (r *Runner) Cleanup(ctx context.Context, key string) (bool, error) {
	if !r.trackCleanup(key) {
		return false, nil
	}
	defer r.untrack(key)

	errs := []error{}
	for _, role := range runtime.Roles() {
		if err := r.runtime.Remove(ctx, runtime.Name(role, key)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.materials.Release(r.materials.Path(key)); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

func (r *Runner) teardown(ctx context.Context, key string, path string) {
	// teardown runs also when ctx is cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	for _, role := range runtime.Roles() {
		if err := r.runtime.Remove(ctx, runtime.Name(role, key)); err != nil {
			r.logger.Error("failed to remove container", zap.String("key", key), zap.String("role", string(role)), zap.Error(err))
		}
	}
	if err := r.materials.Release(path); err != nil {
		r.logger.Error("failed to release sandbox", zap.String("key", key), zap.Error(err))
	}
}

type sandbox struct {
	path   string
	cpuset string

	// mounts needed by the mounter, deduplicated.
	extra []runtime.Mount
}

func (s *sandbox) dir(name string) string {
	return filepath.Join(s.path, name)
}

// expose makes src readable in the sandbox at rel.
func (s *sandbox) expose(m mount.Mounter, src string, rel string) error {
	mounts, err := m.Mount(src, filepath.Join(s.path, rel))
	if err != nil {
		return err
	}
	for _, mt := range mounts {
		if !slices.Contains(s.extra, mt) {
			s.extra = append(s.extra, mt)
		}
	}
	return nil
}

// mounts returns binds of sandbox subdirectories, and links made by the mounter.
func (s *sandbox) mounts(readonly []string, writable []string) []runtime.Mount {
	ms := []runtime.Mount{}
	for _, d := range readonly {
		ms = append(ms, runtime.Mount{Source: s.dir(d), Target: sandboxRoot + "/" + d, ReadOnly: true})
	}
	for _, d := range writable {
		ms = append(ms, runtime.Mount{Source: s.dir(d), Target: sandboxRoot + "/" + d})
	}
	return append(ms, s.extra...)
}

func (r *Runner) limits(cpuset string) runtime.Limits {
	return runtime.Limits{CpusetCpus: cpuset, Memory: r.conf.Memory, Shm: r.conf.Shm}
}

// run runs a container and records its duration.
//
// A container of the same name left by a previous process is removed first.
func (r *Runner) run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	if exists, err := r.runtime.Exists(ctx, spec.Name); err != nil {
		return runtime.Result{}, err
	} else if exists {
		r.logger.Info("removing a stale container", zap.String("name", spec.Name))
		if err := r.runtime.Remove(ctx, spec.Name); err != nil {
			return runtime.Result{}, err
		}
	}

	started := time.Now()
	defer func() { r.metrics.SandboxRun(string(spec.Role), time.Since(started)) }()
	return r.runtime.Run(ctx, spec)
}

// runStep runs a container. It returns a failed outcome when it does not succeed.
func (r *Runner) runStep(ctx context.Context, spec runtime.Spec) (runtime.Result, *Outcome) {
	res, err := r.run(ctx, spec)
	if err != nil {
		o := failed(fmt.Sprintf("%s container: %s", spec.Role, err), "")
		return res, &o
	}
	if !res.Succeeded() {
		o := failed(fmt.Sprintf("%s container exited with %d", spec.Role, res.ExitCode), res.Log)
		return res, &o
	}
	return res, nil
}

// image returns the image of the algo, building it at first.
func (r *Runner) image(ctx context.Context, algoKey string) (string, error) {
	r.mu.Lock()
	ref, ok := r.images[algoKey]
	r.mu.Unlock()
	if ok {
		return ref, nil
	}

	if !r.store.Has(algoKey) {
		return "", fmt.Errorf("algo %s: %w", algoKey, domain.ErrMissing)
	}
	ref, err := r.runtime.Build(ctx, r.store.Path(algoKey), algoKey)
	if err != nil {
		return "", domain.Execution(fmt.Errorf("algo %s: %w", algoKey, err))
	}

	r.mu.Lock()
	r.images[algoKey] = ref
	r.mu.Unlock()
	return ref, nil
}

// model returns the local path of the model a traintuple produced, fetching it when needed.
func (r *Runner) model(ctx context.Context, traintupleKey string) (string, string, error) {
	a, err := r.assets.Asset(ctx, domain.KindTraintuple, traintupleKey)
	if err != nil {
		return "", "", err
	}
	parent := a.(*domain.Traintuple)
	if parent.OutModel == nil {
		return "", "", domain.Validation("traintuple %s has no model", traintupleKey)
	}
	path, err := r.store.Fetch(ctx, parent.OutModel.Hash, parent.OutModel.StorageAddress)
	if err != nil {
		return "", "", err
	}
	return parent.OutModel.Hash, path, nil
}

// data exposes the opener and data samples in the sandbox.
func (r *Runner) data(ctx context.Context, sb *sandbox, dataManagerKey string, sampleKeys []string) error {
	if _, err := r.assets.Asset(ctx, domain.KindDataManager, dataManagerKey); err != nil {
		return err
	}
	if !r.store.Has(dataManagerKey) {
		return fmt.Errorf("opener of %s: %w", dataManagerKey, domain.ErrMissing)
	}
	if err := sb.expose(r.mounter, r.store.Path(dataManagerKey), filepath.Join(materials.DirOpener, "__init__.py")); err != nil {
		return err
	}
	for _, k := range sampleKeys {
		if !r.store.Has(k) {
			return fmt.Errorf("data sample %s: %w", k, domain.ErrMissing)
		}
		if err := sb.expose(r.mounter, r.store.Path(k), filepath.Join(materials.DirData, k)); err != nil {
			return err
		}
	}
	return nil
}

// StoreLookup finds assets in the mirror first, and then on the ledger.
type StoreLookup struct {
	Gateway *ledger.Gateway
	Mirror  mirror.Interface
}

func (l StoreLookup) Asset(ctx context.Context, kind domain.AssetKind, key string) (domain.Asset, error) {
	rec, err := mirror.GetOne(ctx, l.Mirror, key)
	if err == nil {
		if rec.Asset.Kind() != kind {
			return nil, domain.Validation("%s is a %s, not a %s", key, rec.Asset.Kind(), kind)
		}
		return rec.Asset, nil
	}
	if !errors.Is(err, domain.ErrMissing) {
		return nil, err
	}
	return l.Gateway.Get(ctx, kind, key)
}

func mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.Filesystem(err)
	}
	return nil
}
