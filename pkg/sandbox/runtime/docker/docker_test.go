package docker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/sandbox/runtime/docker"
	"go.uber.org/zap/zaptest"
	"k8s.io/apimachinery/pkg/api/resource"
)

type mockClient struct {
	Impl struct {
		ImageBuild          func(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
		ImageInspectWithRaw func(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
		ImagePull           func(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
		ContainerCreate     func(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
		ContainerStart      func(ctx context.Context, containerID string, options container.StartOptions) error
		ContainerWait       func(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
		ContainerLogs       func(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
		ContainerRemove     func(ctx context.Context, containerID string, options container.RemoveOptions) error
		ContainerInspect    func(ctx context.Context, containerID string) (types.ContainerJSON, error)
		ContainerList       func(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	}
	Called struct {
		ImagePull       int
		ContainerCreate int
		ContainerStart  int
		ContainerRemove int
	}
}

var _ docker.Client = &mockClient{}

var errNotImplemented = errors.New("[MOCK] not implemented")

func (m *mockClient) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	if m.Impl.ImageBuild == nil {
		return types.ImageBuildResponse{}, errNotImplemented
	}
	return m.Impl.ImageBuild(ctx, buildContext, options)
}

func (m *mockClient) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	if m.Impl.ImageInspectWithRaw == nil {
		return types.ImageInspect{}, nil, nil
	}
	return m.Impl.ImageInspectWithRaw(ctx, imageID)
}

func (m *mockClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	m.Called.ImagePull += 1
	if m.Impl.ImagePull == nil {
		return nil, errNotImplemented
	}
	return m.Impl.ImagePull(ctx, ref, options)
}

func (m *mockClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	m.Called.ContainerCreate += 1
	if m.Impl.ContainerCreate == nil {
		return container.CreateResponse{}, errNotImplemented
	}
	return m.Impl.ContainerCreate(ctx, config, hostConfig, networkingConfig, platform, containerName)
}

func (m *mockClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	m.Called.ContainerStart += 1
	if m.Impl.ContainerStart == nil {
		return nil
	}
	return m.Impl.ContainerStart(ctx, containerID, options)
}

func (m *mockClient) ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	if m.Impl.ContainerWait == nil {
		errc := make(chan error, 1)
		errc <- errNotImplemented
		return nil, errc
	}
	return m.Impl.ContainerWait(ctx, containerID, condition)
}

func (m *mockClient) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	if m.Impl.ContainerLogs == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return m.Impl.ContainerLogs(ctx, containerID, options)
}

func (m *mockClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	m.Called.ContainerRemove += 1
	if m.Impl.ContainerRemove == nil {
		return errNotImplemented
	}
	return m.Impl.ContainerRemove(ctx, containerID, options)
}

func (m *mockClient) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	if m.Impl.ContainerInspect == nil {
		return types.ContainerJSON{}, errNotImplemented
	}
	return m.Impl.ContainerInspect(ctx, containerID)
}

func (m *mockClient) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	if m.Impl.ContainerList == nil {
		return nil, errNotImplemented
	}
	return m.Impl.ContainerList(ctx, options)
}

func exited(code int64) func(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return func(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
		waitc := make(chan container.WaitResponse, 1)
		waitc <- container.WaitResponse{StatusCode: code}
		return waitc, make(chan error)
	}
}

func multiplexed(stdout, stderr string) io.ReadCloser {
	buf := new(bytes.Buffer)
	stdcopy.NewStdWriter(buf, stdcopy.Stdout).Write([]byte(stdout))
	stdcopy.NewStdWriter(buf, stdcopy.Stderr).Write([]byte(stderr))
	return io.NopCloser(buf)
}

func TestRun(t *testing.T) {
	type when struct {
		exitCode int64
		create   error
		missing  bool
	}
	type then struct {
		result runtime.Result
		err    error
		pulled bool
	}

	spec := runtime.Spec{
		Name:  "train_abc",
		Image: "tuplefab-algo:abc",
		Cmd:   []string{"train", "--rank", "0"},
		Mounts: []runtime.Mount{
			{Source: "/sandboxes/abc/data", Target: "/sandbox/data", ReadOnly: true},
			{Source: "/sandboxes/abc/model", Target: "/sandbox/model"},
		},
		Limits: runtime.Limits{
			CpusetCpus: "2-3",
			Memory:     resource.MustParse("1Gi"),
			Shm:        resource.MustParse("64Mi"),
		},
		Role: runtime.RoleTrain,
		Key:  "abc",
	}

	theory := func(when when, then then) func(*testing.T) {
		return func(t *testing.T) {
			mc := &mockClient{}
			mc.Impl.ImageInspectWithRaw = func(context.Context, string) (types.ImageInspect, []byte, error) {
				if when.missing {
					return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
				}
				return types.ImageInspect{}, nil, nil
			}
			mc.Impl.ImagePull = func(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
				if ref != spec.Image {
					t.Errorf("pulled %s", ref)
				}
				return io.NopCloser(strings.NewReader(`{"status":"Pulling"}` + "\n")), nil
			}
			mc.Impl.ContainerCreate = func(
				_ context.Context, config *container.Config, host *container.HostConfig,
				_ *network.NetworkingConfig, _ *ocispec.Platform, name string,
			) (container.CreateResponse, error) {
				if when.create != nil {
					return container.CreateResponse{}, when.create
				}
				if name != "train_abc" {
					t.Errorf("name: %s", name)
				}
				if !config.NetworkDisabled || host.NetworkMode != "none" {
					t.Errorf("network is not disabled: %v, %s", config.NetworkDisabled, host.NetworkMode)
				}
				if diff := cmp.Diff(spec.Cmd, []string(config.Cmd)); diff != "" {
					t.Errorf("cmd (-want +got):\n%s", diff)
				}
				if config.Labels[runtime.LabelKey] != "abc" || config.Labels[runtime.LabelRole] != "train" {
					t.Errorf("labels: %v", config.Labels)
				}
				if host.CpusetCpus != "2-3" || host.Memory != 1<<30 || host.ShmSize != 64<<20 {
					t.Errorf("limits: cpuset=%s memory=%d shm=%d", host.CpusetCpus, host.Memory, host.ShmSize)
				}
				expectedMounts := []mount.Mount{
					{Type: mount.TypeBind, Source: "/sandboxes/abc/data", Target: "/sandbox/data", ReadOnly: true},
					{Type: mount.TypeBind, Source: "/sandboxes/abc/model", Target: "/sandbox/model"},
				}
				if diff := cmp.Diff(expectedMounts, host.Mounts); diff != "" {
					t.Errorf("mounts (-want +got):\n%s", diff)
				}
				return container.CreateResponse{ID: "c-1"}, nil
			}
			mc.Impl.ContainerWait = exited(when.exitCode)
			mc.Impl.ContainerLogs = func(_ context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
				return multiplexed("epoch 1\n", "warning\n"), nil
			}

			testee := docker.New(mc, zaptest.NewLogger(t))
			result, err := testee.Run(context.Background(), spec)
			if then.err != nil {
				if !errors.Is(err, then.err) {
					t.Errorf("error: %v", err)
				}
				if mc.Called.ContainerStart != 0 {
					t.Errorf("container is started")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(then.result, result); diff != "" {
				t.Errorf("result (-want +got):\n%s", diff)
			}
			if pulled := mc.Called.ImagePull == 1; pulled != then.pulled {
				t.Errorf("pulled: %v", pulled)
			}
		}
	}

	t.Run("a container exiting with 0 succeeds", theory(
		when{exitCode: 0},
		then{result: runtime.Result{ExitCode: 0, Log: "epoch 1\nwarning\n"}},
	))

	t.Run("a non-zero exit code is a result, not an error", theory(
		when{exitCode: 137},
		then{result: runtime.Result{ExitCode: 137, Log: "epoch 1\nwarning\n"}},
	))

	t.Run("a missing image is pulled", theory(
		when{missing: true},
		then{result: runtime.Result{Log: "epoch 1\nwarning\n"}, pulled: true},
	))

	t.Run("a name conflict is ErrContainerExists", theory(
		when{create: errdefs.Conflict(errors.New("name is in use"))},
		then{err: runtime.ErrContainerExists},
	))
}

func TestRemove(t *testing.T) {
	for name, cause := range map[string]error{
		"removed": nil,
		"missing": errdefs.NotFound(errors.New("no such container")),
	} {
		t.Run(name, func(t *testing.T) {
			mc := &mockClient{}
			mc.Impl.ContainerRemove = func(_ context.Context, id string, opts container.RemoveOptions) error {
				if id != "test_abc" || !opts.Force {
					t.Errorf("remove %s %+v", id, opts)
				}
				return cause
			}
			if err := docker.New(mc, zaptest.NewLogger(t)).Remove(context.Background(), "test_abc"); err != nil {
				t.Error(err)
			}
		})
	}

	mc := &mockClient{}
	mc.Impl.ContainerRemove = func(context.Context, string, container.RemoveOptions) error {
		return errdefs.System(errors.New("daemon is down"))
	}
	if err := docker.New(mc, zaptest.NewLogger(t)).Remove(context.Background(), "test_abc"); err == nil {
		t.Error("unexpected success")
	}
}

func TestExistsAndList(t *testing.T) {
	mc := &mockClient{}
	mc.Impl.ContainerInspect = func(_ context.Context, id string) (types.ContainerJSON, error) {
		if id == "train_abc" {
			return types.ContainerJSON{}, nil
		}
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	mc.Impl.ContainerList = func(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
		if !opts.All || !opts.Filters.ExactMatch("label", runtime.LabelManagedBy+"="+runtime.ManagedBy) {
			t.Errorf("list options: %+v", opts)
		}
		return []types.Container{
			{Names: []string{"/train_abc"}},
			{Names: []string{"/dryrun_xyz"}},
		}, nil
	}
	testee := docker.New(mc, zaptest.NewLogger(t))
	ctx := context.Background()

	if ok, err := testee.Exists(ctx, "train_abc"); err != nil || !ok {
		t.Errorf("train_abc: %v, %v", ok, err)
	}
	if ok, err := testee.Exists(ctx, "train_xyz"); err != nil || ok {
		t.Errorf("train_xyz: %v, %v", ok, err)
	}

	names, err := testee.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"train_abc", "dryrun_xyz"}, names); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.11\n"), 0o644)

	type then struct {
		err bool
	}
	theory := func(stream string, then then) func(*testing.T) {
		return func(t *testing.T) {
			mc := &mockClient{}
			mc.Impl.ImageBuild = func(_ context.Context, buildContext io.Reader, opts types.ImageBuildOptions) (types.ImageBuildResponse, error) {
				if diff := cmp.Diff([]string{"algos:abc"}, opts.Tags); diff != "" {
					t.Errorf("tags (-want +got):\n%s", diff)
				}
				if b, _ := io.ReadAll(buildContext); !bytes.Contains(b, []byte("FROM python:3.11")) {
					t.Errorf("build context does not contain Dockerfile")
				}
				return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
			}
			testee := docker.New(mc, zaptest.NewLogger(t), docker.WithRepository("algos"))
			ref, err := testee.Build(context.Background(), dir, "abc")
			if then.err {
				if err == nil {
					t.Error("unexpected success")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ref != "algos:abc" {
				t.Errorf("ref: %s", ref)
			}
		}
	}

	t.Run("built", theory(`{"stream":"Step 1/1 : FROM python:3.11"}`+"\n", then{}))
	t.Run("build error in stream", theory(`{"errorDetail":{"message":"no such image"},"error":"no such image"}`+"\n", then{err: true}))
}
