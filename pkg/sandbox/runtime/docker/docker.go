// Package docker runs sandboxes as containers of a local docker engine.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"go.uber.org/zap"
)

// Client is the subset of *client.Client used here.
type Client interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

var _ Client = &client.Client{}

// FromEnv connects to the docker engine set by DOCKER_HOST and friends.
func FromEnv() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

type Runtime struct {
	client     Client
	repository string
	logTail    string
	logger     *zap.Logger
}

var _ runtime.Runtime = &Runtime{}

type Option func(*Runtime)

// WithRepository sets the repository algo images are tagged in. Default: "tuplefab-algo".
func WithRepository(repo string) Option {
	return func(r *Runtime) { r.repository = repo }
}

// WithLogTail limits lines of container logs kept in Result.
func WithLogTail(lines int) Option {
	return func(r *Runtime) { r.logTail = fmt.Sprint(lines) }
}

func New(c Client, logger *zap.Logger, options ...Option) *Runtime {
	r := &Runtime{
		client:     c,
		repository: "tuplefab-algo",
		logTail:    "1000",
		logger:     logger.Named("docker"),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Build builds the Dockerfile in dir.
func (r *Runtime) Build(ctx context.Context, dir string, tag string) (string, error) {
	ref := r.repository + ":" + tag

	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return "", xe.Wrap(err)
	}
	defer buildContext.Close()

	resp, err := r.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{ref},
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{runtime.LabelManagedBy: runtime.ManagedBy},
	})
	if err != nil {
		return "", xe.Wrap(err)
	}
	defer resp.Body.Close()

	// build errors are reported in the stream, not as the response status.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("build %s: %w", ref, err)
	}
	r.logger.Info("image is built", zap.String("image", ref))
	return ref, nil
}

func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return xe.Wrap(err)
	}

	r.logger.Info("pulling image", zap.String("image", ref))
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	return jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
}

func (r *Runtime) Run(ctx context.Context, spec runtime.Spec) (runtime.Result, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return runtime.Result{}, err
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	created, err := r.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             spec.Cmd,
			Labels:          spec.Labels(),
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode("none"),
			Mounts:      mounts,
			ShmSize:     spec.Limits.Shm.Value(),
			Resources: container.Resources{
				CpusetCpus: spec.Limits.CpusetCpus,
				Memory:     spec.Limits.Memory.Value(),
			},
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		if errdefs.IsConflict(err) {
			return runtime.Result{}, fmt.Errorf("%w: %s", runtime.ErrContainerExists, spec.Name)
		}
		return runtime.Result{}, xe.Wrap(err)
	}
	for _, w := range created.Warnings {
		r.logger.Warn("container warning", zap.String("name", spec.Name), zap.String("warning", w))
	}

	waitc, errc := r.client.ContainerWait(ctx, created.ID, container.WaitConditionNextExit)
	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return runtime.Result{}, xe.Wrap(err)
	}

	result := runtime.Result{}
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case err := <-errc:
		return result, xe.Wrap(err)
	case w := <-waitc:
		if w.Error != nil && w.Error.Message != "" {
			return result, fmt.Errorf("wait %s: %s", spec.Name, w.Error.Message)
		}
		result.ExitCode = int(w.StatusCode)
	}

	log, err := r.logs(ctx, created.ID)
	if err != nil {
		r.logger.Warn("failed to read logs", zap.String("name", spec.Name), zap.Error(err))
	}
	result.Log = log
	return result, nil
}

func (r *Runtime) logs(ctx context.Context, id string) (string, error) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       r.logTail,
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	buf := new(bytes.Buffer)
	if _, err := stdcopy.StdCopy(buf, buf, rc); err != nil && !errors.Is(err, io.EOF) {
		return buf.String(), err
	}
	return buf.String(), nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	err := r.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return xe.Wrap(err)
	}
	return nil
}

func (r *Runtime) Exists(ctx context.Context, name string) (bool, error) {
	if _, err := r.client.ContainerInspect(ctx, name); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, xe.Wrap(err)
	}
	return true, nil
}

func (r *Runtime) List(ctx context.Context) ([]string, error) {
	cs, err := r.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", runtime.LabelManagedBy+"="+runtime.ManagedBy)),
	})
	if err != nil {
		return nil, xe.Wrap(err)
	}
	names := []string{}
	for _, c := range cs {
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}
