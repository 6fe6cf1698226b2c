package runner_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	"github.com/opst/tuplefab/internal/testutils/fixture"
	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/sandbox/materials"
	"github.com/opst/tuplefab/pkg/sandbox/mount"
	"github.com/opst/tuplefab/pkg/sandbox/runner"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/sandbox/slots"
	"github.com/opst/tuplefab/pkg/storage"
	"go.uber.org/zap/zaptest"
	"k8s.io/apimachinery/pkg/api/resource"
)

const self = "node-1"

// behavior plays a container. dirs maps targets of mounts to their sources.
type behavior func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error)

type fakeRuntime struct {
	mu      sync.Mutex
	behave  map[runtime.Role]behavior
	built   []string
	specs   []runtime.Spec
	live    map[string]bool
	removed []string

	// onRemove is called before a container is removed.
	onRemove func(name string)
}

var _ runtime.Runtime = &fakeRuntime{}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{behave: map[runtime.Role]behavior{}, live: map[string]bool{}}
}

func (f *fakeRuntime) Build(_ context.Context, dir string, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		return "", err
	}
	f.built = append(f.built, tag)
	return "algo:" + tag, nil
}

func (f *fakeRuntime) Run(_ context.Context, spec runtime.Spec) (runtime.Result, error) {
	f.mu.Lock()
	if f.live[spec.Name] {
		f.mu.Unlock()
		return runtime.Result{}, runtime.ErrContainerExists
	}
	f.live[spec.Name] = true
	f.specs = append(f.specs, spec)
	b := f.behave[spec.Role]
	f.mu.Unlock()

	if b == nil {
		return runtime.Result{}, nil
	}
	dirs := map[string]string{}
	for _, m := range spec.Mounts {
		dirs[m.Target] = m.Source
	}
	return b(spec, dirs)
}

func (f *fakeRuntime) Remove(_ context.Context, name string) error {
	if f.onRemove != nil {
		f.onRemove(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeRuntime) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[name], nil
}

func (f *fakeRuntime) List(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := []string{}
	for n := range f.live {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeRuntime) roles() []runtime.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles := []runtime.Role{}
	for _, s := range f.specs {
		roles = append(roles, s.Role)
	}
	return roles
}

type keys struct {
	dm        string
	samples   []string
	algo      string
	objective string
}

type env struct {
	node   *fixture.Node
	store  *storage.Store
	rt     *fakeRuntime
	mat    *materials.Manager
	pool   *slots.Pool
	runner *runner.Runner
	keys   keys
}

func put(t *testing.T, store *storage.Store, files map[string]string, asDir bool) string {
	t.Helper()
	dir := t.TempDir()
	src := dir
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if !asDir {
			src = filepath.Join(dir, name)
		}
	}
	key, err := store.Put(src)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func setup(t *testing.T, mounter mount.Mounter) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e := &env{node: fixture.New(t), rt: newFakeRuntime()}

	var err error
	if e.store, err = storage.New(t.TempDir(), logger); err != nil {
		t.Fatal(err)
	}
	if e.mat, err = materials.New(t.TempDir(), logger); err != nil {
		t.Fatal(err)
	}
	if e.pool, err = slots.New([]int{0, 1}, 1, nil); err != nil {
		t.Fatal(err)
	}

	e.keys = keys{
		dm: put(t, e.store, map[string]string{"opener.py": "def get_X(): ..."}, false),
		samples: []string{
			put(t, e.store, map[string]string{"a.csv": "1,2"}, true),
			put(t, e.store, map[string]string{"b.csv": "3,4"}, true),
		},
		algo:      put(t, e.store, map[string]string{"Dockerfile": "FROM python:3.11", "algo.py": ""}, true),
		objective: put(t, e.store, map[string]string{"metrics.py": "def score(): ..."}, false),
	}
	e.node.Put(t,
		&domain.DataManager{Key: e.keys.dm, Owner: self},
		&domain.DataSample{Key: e.keys.samples[0], Owner: self, DataManagerKeys: []string{e.keys.dm}},
		&domain.DataSample{Key: e.keys.samples[1], Owner: self, DataManagerKeys: []string{e.keys.dm}, TestOnly: true},
		&domain.Algo{Key: e.keys.algo, Owner: self},
		&domain.Objective{
			Key: e.keys.objective, Owner: self,
			TestDataManagerKey: e.keys.dm, TestDataSampleKeys: []string{e.keys.samples[1]},
		},
	)

	e.runner = runner.New(
		e.rt, e.mat, mounter, e.pool, e.store,
		runner.StoreLookup{Gateway: e.node.Gateway, Mirror: e.node.Mirror},
		runner.Config{
			Memory:       resource.MustParse("1Gi"),
			Shm:          resource.MustParse("64Mi"),
			MetricsImage: "tuplefab/metrics:latest",
			DryRunImage:  "tuplefab/dryrun:latest",
		},
		logger,
	)
	return e
}

func (e *env) run(t *testing.T, tp domain.Tuple) runner.Outcome {
	t.Helper()
	slot, ok := e.pool.TryTake()
	if !ok {
		t.Fatal("no slots")
	}
	defer slot.Release()
	return e.runner.Run(context.Background(), slot, tp)
}

// assertTornDown checks that nothing of the job remains.
func (e *env) assertTornDown(t *testing.T, key string) {
	t.Helper()
	if _, err := os.Stat(e.mat.Path(key)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("sandbox directory remains: %v", err)
	}
	if names, _ := e.rt.List(context.Background()); len(names) != 0 {
		t.Errorf("containers remain: %v", names)
	}
	for _, role := range runtime.Roles() {
		if !slices.Contains(e.rt.removed, runtime.Name(role, key)) {
			t.Errorf("%s is not removed", runtime.Name(role, key))
		}
	}
	if inflight := e.runner.InFlight(); len(inflight) != 0 {
		t.Errorf("in flight: %v", inflight)
	}
}

// trains writes a model made of its rank and inputs.
func trains(t *testing.T) behavior {
	return func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error) {
		entries, err := os.ReadDir(dirs["/sandbox/data"])
		if err != nil {
			t.Errorf("data: %v", err)
		}
		for _, e := range entries {
			if _, err := os.ReadDir(filepath.Join(dirs["/sandbox/data"], e.Name())); err != nil {
				t.Errorf("data sample %s is not readable: %v", e.Name(), err)
			}
		}
		if _, err := os.ReadFile(filepath.Join(dirs["/sandbox/opener"], "__init__.py")); err != nil {
			t.Errorf("opener: %v", err)
		}
		model := "weights" + strings.Join(spec.Cmd[3:], "+")
		if err := os.WriteFile(filepath.Join(dirs["/sandbox/model"], runner.OutModelFile), []byte(model), 0o644); err != nil {
			t.Error(err)
		}
		return runtime.Result{Log: "epoch 1/1\n"}, nil
	}
}

func TestRun_traintuple(t *testing.T) {
	type when struct {
		mounter mount.Mounter
		train   func(t *testing.T) behavior
	}
	type then struct {
		status domain.TupleStatus
		model  string
		reason string
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			e := setup(t, when.mounter)
			e.rt.behave[runtime.RoleTrain] = when.train(t)

			tt := &domain.Traintuple{
				Key: "tt1", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm,
				DataSampleKeys: e.keys.samples[:1], Rank: 0,
				TupleHeader: domain.TupleHeader{Status: domain.Training, Worker: self},
			}
			out := e.run(t, tt)

			if out.Status != then.status {
				t.Errorf("status: %s (%s)", out.Status, out.Reason)
			}
			if !strings.Contains(out.Reason, then.reason) {
				t.Errorf("reason: %q", out.Reason)
			}
			if then.model != "" {
				if out.OutModel == nil {
					t.Fatal("no model")
				}
				b, err := os.ReadFile(e.store.Path(out.OutModel.Hash))
				if err != nil || string(b) != then.model {
					t.Errorf("stored model: %s (%v)", b, err)
				}
				if out.OutModel.StorageAddress != e.store.Address(out.OutModel.Hash) {
					t.Errorf("address: %s", out.OutModel.StorageAddress)
				}
			}

			specs := e.rt.specs
			if len(specs) != 1 {
				t.Fatalf("specs: %+v", specs)
			}
			s := specs[0]
			if s.Name != "train_tt1" || s.Image != "algo:"+e.keys.algo || s.Limits.CpusetCpus != "0" {
				t.Errorf("spec: %+v", s)
			}
			if diff := cmp.Diff([]string{"train", "--rank", "0"}, s.Cmd); diff != "" {
				t.Errorf("cmd (-want +got):\n%s", diff)
			}
			for _, m := range s.Mounts {
				writable := m.Target == "/sandbox/model"
				if m.ReadOnly == writable {
					t.Errorf("mount %s: readonly=%v", m.Target, m.ReadOnly)
				}
			}
			e.assertTornDown(t, "tt1")
		}
	}

	t.Run("a trained model is stored (symlink)", theory(
		when{mounter: mount.Symlink{}, train: trains},
		then{status: domain.Done, model: "weights"},
	))

	t.Run("a trained model is stored (copy)", theory(
		when{mounter: mount.Copy{}, train: trains},
		then{status: domain.Done, model: "weights"},
	))

	t.Run("a non-zero exit fails", theory(
		when{mounter: mount.Symlink{}, train: func(*testing.T) behavior {
			return func(runtime.Spec, map[string]string) (runtime.Result, error) {
				return runtime.Result{ExitCode: 1, Log: "Traceback: ZeroDivisionError"}, nil
			}
		}},
		then{status: domain.Failed, reason: "train container exited with 1"},
	))

	t.Run("no model fails", theory(
		when{mounter: mount.Symlink{}, train: func(*testing.T) behavior {
			return func(runtime.Spec, map[string]string) (runtime.Result, error) {
				return runtime.Result{}, nil
			}
		}},
		then{status: domain.Failed, reason: "did not write model/model"},
	))

	t.Run("a runtime error fails", theory(
		when{mounter: mount.Symlink{}, train: func(*testing.T) behavior {
			return func(runtime.Spec, map[string]string) (runtime.Result, error) {
				return runtime.Result{}, errors.New("daemon is gone")
			}
		}},
		then{status: domain.Failed, reason: "daemon is gone"},
	))

	t.Run("a panic in the runtime fails", theory(
		when{mounter: mount.Symlink{}, train: func(*testing.T) behavior {
			return func(runtime.Spec, map[string]string) (runtime.Result, error) {
				panic("boom")
			}
		}},
		then{status: domain.Failed, reason: "panicked"},
	))
}

func TestRun_traintupleWithRemoteInModel(t *testing.T) {
	e := setup(t, mount.Symlink{})
	e.rt.behave[runtime.RoleTrain] = trains(t)

	// the parent is trained on another node, which serves its model.
	remoteRoot := t.TempDir()
	serving, err := storage.New(remoteRoot, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	router := echo.New()
	router.GET("/models/:key", serving.Handler("key"))
	server := httptest.NewServer(router)
	defer server.Close()
	base, _ := url.Parse(server.URL)
	remote, err := storage.New(remoteRoot, zaptest.NewLogger(t), storage.WithBaseURL(base))
	if err != nil {
		t.Fatal(err)
	}
	hash := put(t, remote, map[string]string{"model": "parent-weights"}, false)

	e.node.Put(t, &domain.Traintuple{
		Key: "tt0", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm, DataSampleKeys: e.keys.samples[:1],
		OutModel:    &domain.OutModel{Hash: hash, StorageAddress: remote.Address(hash)},
		TupleHeader: domain.TupleHeader{Status: domain.Done, Worker: "node-2"},
	})

	out := e.run(t, &domain.Traintuple{
		Key: "tt1", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm, DataSampleKeys: e.keys.samples[:1],
		InModels: []string{"tt0"}, Rank: 1,
		TupleHeader: domain.TupleHeader{Status: domain.Training, Worker: self},
	})
	if out.Status != domain.Done {
		t.Fatalf("status: %s (%s)", out.Status, out.Reason)
	}
	if !e.store.Has(hash) {
		t.Errorf("in-model is not fetched")
	}
	if diff := cmp.Diff([]string{"train", "--rank", "1", hash}, e.rt.specs[0].Cmd); diff != "" {
		t.Errorf("cmd (-want +got):\n%s", diff)
	}
	if b, _ := os.ReadFile(e.store.Path(out.OutModel.Hash)); string(b) != "weights"+hash {
		t.Errorf("model: %s", b)
	}
	e.assertTornDown(t, "tt1")
}

func TestRun_testtuple(t *testing.T) {
	type when struct {
		perf     string
		ownData  bool
		noMetric bool
	}
	type then struct {
		status domain.TupleStatus
		perf   float64
		reason string
		roles  []runtime.Role
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			e := setup(t, mount.Symlink{})
			model := put(t, e.store, map[string]string{"model": "trained"}, false)
			e.node.Put(t, &domain.Traintuple{
				Key: "tt1", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm, DataSampleKeys: e.keys.samples[:1],
				OutModel:    &domain.OutModel{Hash: model, StorageAddress: e.store.Address(model)},
				TupleHeader: domain.TupleHeader{Status: domain.Done, Worker: self},
			})

			var seenData []string
			e.rt.behave[runtime.RoleTest] = func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error) {
				entries, _ := os.ReadDir(dirs["/sandbox/data"])
				for _, en := range entries {
					seenData = append(seenData, en.Name())
				}
				if b, err := os.ReadFile(filepath.Join(dirs["/sandbox/model"], spec.Cmd[1])); err != nil || string(b) != "trained" {
					t.Errorf("model: %s (%v)", b, err)
				}
				return runtime.Result{}, os.WriteFile(filepath.Join(dirs["/sandbox/pred"], "pred"), []byte("0,1"), 0o644)
			}
			e.rt.behave[runtime.RoleMetrics] = func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error) {
				if spec.Image != "tuplefab/metrics:latest" {
					t.Errorf("metrics image: %s", spec.Image)
				}
				if _, err := os.ReadFile(filepath.Join(dirs["/sandbox/metrics"], "__init__.py")); err != nil {
					t.Errorf("metrics: %v", err)
				}
				if _, err := os.ReadFile(filepath.Join(dirs["/sandbox/pred"], "pred")); err != nil {
					t.Errorf("predictions: %v", err)
				}
				if when.noMetric {
					return runtime.Result{}, nil
				}
				return runtime.Result{}, os.WriteFile(filepath.Join(dirs["/sandbox/pred"], runner.PerfFile), []byte(when.perf), 0o644)
			}

			tt := &domain.Testtuple{
				Key: "ts1", TraintupleKey: "tt1", ObjectiveKey: e.keys.objective, Certified: true,
				TupleHeader: domain.TupleHeader{Status: domain.Testing, Worker: self},
			}
			expectedData := []string{e.keys.samples[1]}
			if when.ownData {
				tt.Certified = false
				tt.DataManagerKey = e.keys.dm
				tt.DataSampleKeys = e.keys.samples
				expectedData = slices.Sorted(slices.Values(e.keys.samples))
			}
			out := e.run(t, tt)

			if out.Status != then.status {
				t.Errorf("status: %s (%s)", out.Status, out.Reason)
			}
			if !strings.Contains(out.Reason, then.reason) {
				t.Errorf("reason: %q", out.Reason)
			}
			if then.status == domain.Done {
				if out.Perf == nil || *out.Perf != then.perf {
					t.Errorf("perf: %v", out.Perf)
				}
			}
			if diff := cmp.Diff(expectedData, seenData); diff != "" {
				t.Errorf("test data (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(then.roles, e.rt.roles()); diff != "" {
				t.Errorf("roles (-want +got):\n%s", diff)
			}
			e.assertTornDown(t, "ts1")
		}
	}

	t.Run("certified testtuple is scored on the objective's data", theory(
		when{perf: `{"all": 0.75}`},
		then{status: domain.Done, perf: 0.75, roles: []runtime.Role{runtime.RoleTest, runtime.RoleMetrics}},
	))

	t.Run("testtuple with its own data", theory(
		when{perf: `{"all": 0.5}`, ownData: true},
		then{status: domain.Done, perf: 0.5, roles: []runtime.Role{runtime.RoleTest, runtime.RoleMetrics}},
	))

	t.Run("no perf.json fails", theory(
		when{noMetric: true},
		then{status: domain.Failed, reason: "did not write pred/perf.json", roles: []runtime.Role{runtime.RoleTest, runtime.RoleMetrics}},
	))

	t.Run("perf.json without all fails", theory(
		when{perf: `{"auc": 0.9}`},
		then{status: domain.Failed, reason: `no "all" score`, roles: []runtime.Role{runtime.RoleTest, runtime.RoleMetrics}},
	))
}

func TestRun_refusesConcurrentRunOfSameKey(t *testing.T) {
	e := setup(t, mount.Symlink{})
	entered := make(chan struct{})
	release := make(chan struct{})
	e.rt.behave[runtime.RoleTrain] = func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error) {
		close(entered)
		<-release
		return runtime.Result{ExitCode: 1}, nil
	}
	tt := &domain.Traintuple{
		Key: "tt1", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm, DataSampleKeys: e.keys.samples[:1],
		TupleHeader: domain.TupleHeader{Status: domain.Training, Worker: self},
	}

	done := make(chan runner.Outcome)
	go func() { done <- e.run(t, tt) }()
	<-entered

	if diff := cmp.Diff([]string{"tt1"}, e.runner.InFlight()); diff != "" {
		t.Errorf("in flight (-want +got):\n%s", diff)
	}
	second := e.run(t, tt)
	if second.Status != domain.Failed || !strings.Contains(second.Reason, "running already") {
		t.Errorf("second run: %+v", second)
	}
	if cleaned, err := e.runner.Cleanup(context.Background(), "tt1"); cleaned || err != nil {
		t.Errorf("cleanup of a running job: %v, %v", cleaned, err)
	}

	close(release)
	<-done
	e.assertTornDown(t, "tt1")
}

func TestRun_waitsForCleanupOfSameKey(t *testing.T) {
	e := setup(t, mount.Symlink{})
	e.rt.behave[runtime.RoleTrain] = trains(t)
	if _, err := e.mat.Acquire("tt1"); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e.rt.onRemove = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	cleaned := make(chan bool)
	go func() {
		ok, err := e.runner.Cleanup(context.Background(), "tt1")
		if err != nil {
			t.Error(err)
		}
		cleaned <- ok
	}()
	<-entered

	if inflight := e.runner.InFlight(); len(inflight) != 0 {
		t.Errorf("a cleanup is in flight: %v", inflight)
	}

	tt := &domain.Traintuple{
		Key: "tt1", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm, DataSampleKeys: e.keys.samples[:1],
		TupleHeader: domain.TupleHeader{Status: domain.Training, Worker: self},
	}
	done := make(chan runner.Outcome)
	go func() { done <- e.run(t, tt) }()

	if roles := e.rt.roles(); len(roles) != 0 {
		t.Errorf("containers run during cleanup: %v", roles)
	}
	close(release)

	if !<-cleaned {
		t.Errorf("cleanup is skipped")
	}
	out := <-done
	if out.Status != domain.Done {
		t.Errorf("run after cleanup: %+v", out)
	}
	e.assertTornDown(t, "tt1")
}

func TestRun_removesStaleContainer(t *testing.T) {
	e := setup(t, mount.Symlink{})
	e.rt.behave[runtime.RoleTrain] = trains(t)
	e.rt.live[runtime.Name(runtime.RoleTrain, "tt1")] = true

	out := e.run(t, &domain.Traintuple{
		Key: "tt1", AlgoKey: e.keys.algo, DataManagerKey: e.keys.dm, DataSampleKeys: e.keys.samples[:1],
		TupleHeader: domain.TupleHeader{Status: domain.Training, Worker: self},
	})
	if out.Status != domain.Done {
		t.Errorf("outcome: %+v", out)
	}
	if diff := cmp.Diff([]runtime.Role{runtime.RoleTrain}, e.rt.roles()); diff != "" {
		t.Errorf("roles (-want +got):\n%s", diff)
	}
	e.assertTornDown(t, "tt1")
}

func TestCleanup(t *testing.T) {
	e := setup(t, mount.Symlink{})
	if _, err := e.mat.Acquire("orphan"); err != nil {
		t.Fatal(err)
	}
	cleaned, err := e.runner.Cleanup(context.Background(), "orphan")
	if err != nil || !cleaned {
		t.Fatalf("cleanup: %v, %v", cleaned, err)
	}
	e.assertTornDown(t, "orphan")
}

func TestDryRunData(t *testing.T) {
	type then struct {
		err error
	}

	theory := func(exitCode int, then then) func(*testing.T) {
		return func(t *testing.T) {
			e := setup(t, mount.Symlink{})
			e.rt.behave[runtime.RoleDryRun] = func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error) {
				if spec.Image != "tuplefab/dryrun:latest" {
					t.Errorf("image: %s", spec.Image)
				}
				entries, _ := os.ReadDir(dirs["/sandbox/data"])
				if len(entries) != 2 {
					t.Errorf("data: %d entries", len(entries))
				}
				if _, ok := dirs["/sandbox/model"]; ok {
					t.Errorf("dry-run mounts models")
				}
				return runtime.Result{ExitCode: exitCode, Log: fmt.Sprintf("exit %d", exitCode)}, nil
			}

			samples := []string{e.store.Path(e.keys.samples[0]), e.store.Path(e.keys.samples[1])}
			err := e.runner.DryRunData(context.Background(), e.keys.samples[0], e.store.Path(e.keys.dm), samples)
			if then.err == nil && err != nil {
				t.Fatal(err)
			}
			if then.err != nil && !errors.Is(err, then.err) {
				t.Errorf("error: %v", err)
			}

			specs := e.rt.specs
			if len(specs) != 1 || specs[0].Role != runtime.RoleDryRun || !strings.HasPrefix(specs[0].Key, e.keys.samples[0]+"-") {
				t.Fatalf("specs: %+v", specs)
			}
			e.assertTornDown(t, specs[0].Key)
			if orphans, _ := e.mat.Orphans(); len(orphans) != 0 {
				t.Errorf("orphans: %v", orphans)
			}
		}
	}

	t.Run("an opener reading the samples passes", theory(0, then{}))
	t.Run("an opener failing is ErrExecution", theory(1, then{err: domain.ErrExecution}))
}

func TestDryRunAlgo(t *testing.T) {
	type when struct {
		dockerfile bool
		train      func(t *testing.T) behavior
	}
	type then struct {
		err    error
		reason string
		built  bool
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			e := setup(t, mount.Symlink{})
			if when.train != nil {
				e.rt.behave[runtime.RoleDryRun] = when.train(t)
			}
			algo := t.TempDir()
			os.WriteFile(filepath.Join(algo, "algo.py"), []byte(""), 0o644)
			if when.dockerfile {
				os.WriteFile(filepath.Join(algo, "Dockerfile"), []byte("FROM python:3.11"), 0o644)
			}

			samples := []string{e.store.Path(e.keys.samples[0])}
			err := e.runner.DryRunAlgo(context.Background(), "algo", algo, e.store.Path(e.keys.dm), samples)
			if then.err == nil && err != nil {
				t.Fatal(err)
			}
			if then.err != nil && (!errors.Is(err, then.err) || !strings.Contains(err.Error(), then.reason)) {
				t.Errorf("error: %v", err)
			}

			if then.built != (len(e.rt.built) == 1) {
				t.Errorf("built: %v", e.rt.built)
			}
			if then.built {
				specs := e.rt.specs
				if len(specs) != 1 || specs[0].Image != "algo:"+e.rt.built[0] {
					t.Fatalf("specs: %+v", specs)
				}
				if diff := cmp.Diff([]string{"train", "--rank", "0"}, specs[0].Cmd); diff != "" {
					t.Errorf("cmd (-want +got):\n%s", diff)
				}
				e.assertTornDown(t, specs[0].Key)
			}
			if subs := e.node.Ledger.Submissions(); len(subs) != 0 {
				t.Errorf("dry-run writes the ledger: %v", subs)
			}
			if orphans, _ := e.mat.Orphans(); len(orphans) != 0 {
				t.Errorf("orphans: %v", orphans)
			}
		}
	}

	t.Run("an algo writing a model passes", theory(
		when{dockerfile: true, train: func(t *testing.T) behavior {
			return func(spec runtime.Spec, dirs map[string]string) (runtime.Result, error) {
				if _, err := os.ReadFile(filepath.Join(dirs["/sandbox/opener"], "__init__.py")); err != nil {
					t.Errorf("opener: %v", err)
				}
				return runtime.Result{}, os.WriteFile(filepath.Join(dirs["/sandbox/model"], runner.OutModelFile), []byte("w"), 0o644)
			}
		}},
		then{built: true},
	))

	t.Run("an algo writing no model fails", theory(
		when{dockerfile: true},
		then{built: true, err: domain.ErrExecution, reason: "did not write model/model"},
	))

	t.Run("an algo exiting with non-zero fails", theory(
		when{dockerfile: true, train: func(*testing.T) behavior {
			return func(runtime.Spec, map[string]string) (runtime.Result, error) {
				return runtime.Result{ExitCode: 2, Log: "ImportError"}, nil
			}
		}},
		then{built: true, err: domain.ErrExecution, reason: "ImportError"},
	))

	t.Run("an algo which cannot be built fails", theory(
		when{dockerfile: false},
		then{built: false, err: domain.ErrExecution, reason: "cannot be built"},
	))
}
