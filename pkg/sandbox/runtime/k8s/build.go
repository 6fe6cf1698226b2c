package k8s

import (
	"context"
	"fmt"
	"io"
	"maps"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"go.uber.org/zap"
)

// Builder makes algo images without a docker daemon: the algo directory is
// appended to Base as a layer at /sandbox, and the image is pushed to Repository.
//
// Dockerfiles in algo directories are not evaluated.
type Builder struct {
	Base       name.Reference
	Repository name.Repository

	// Entrypoint overrides the entrypoint of Base, if not empty.
	Entrypoint []string

	// Options for registry access. Default: auth from the default keychain.
	Options []remote.Option
}

// NewBuilder parses image names.
func NewBuilder(base string, repository string, entrypoint []string) (Builder, error) {
	b, err := name.ParseReference(base)
	if err != nil {
		return Builder{}, fmt.Errorf("base image: %w", err)
	}
	r, err := name.NewRepository(repository)
	if err != nil {
		return Builder{}, fmt.Errorf("repository: %w", err)
	}
	return Builder{Base: b, Repository: r, Entrypoint: entrypoint}, nil
}

const workdir = "sandbox"

func (b Builder) options(ctx context.Context) []remote.Option {
	opts := b.Options
	if len(opts) == 0 {
		opts = []remote.Option{remote.WithAuthFromKeychain(authn.DefaultKeychain)}
	}
	return append(opts, remote.WithContext(ctx))
}

// layer makes a tar layer of dir, with entries renamed to be under /sandbox.
func layer(dir string) (io.ReadCloser, error) {
	base := filepath.Base(dir)
	return archive.TarWithOptions(filepath.Dir(dir), &archive.TarOptions{
		IncludeFiles: []string{base},
		RebaseNames:  map[string]string{base: workdir},
	})
}

func (r *Runtime) Build(ctx context.Context, dir string, tag string) (string, error) {
	if r.builder == nil {
		return "", ErrNoBuilder
	}
	b := *r.builder
	opts := b.options(ctx)

	base, err := remote.Image(b.Base, opts...)
	if err != nil {
		return "", fmt.Errorf("base image %s: %w", b.Base, err)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", xe.Wrap(err)
	}
	l, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) { return layer(abs) })
	if err != nil {
		return "", xe.Wrap(err)
	}
	img, err := mutate.AppendLayers(base, l)
	if err != nil {
		return "", xe.Wrap(err)
	}

	cf, err := img.ConfigFile()
	if err != nil {
		return "", xe.Wrap(err)
	}
	config := cf.Config
	config.WorkingDir = "/" + workdir
	if len(b.Entrypoint) != 0 {
		config.Entrypoint = b.Entrypoint
		config.Cmd = nil
	}
	config.Labels = maps.Clone(config.Labels)
	if config.Labels == nil {
		config.Labels = map[string]string{}
	}
	config.Labels[runtime.LabelManagedBy] = runtime.ManagedBy
	if img, err = mutate.Config(img, config); err != nil {
		return "", xe.Wrap(err)
	}

	ref := b.Repository.Tag(tag)
	if err := remote.Write(ref, img, opts...); err != nil {
		return "", fmt.Errorf("push %s: %w", ref, err)
	}
	r.logger.Info("image is pushed", zap.String("image", ref.String()))
	return ref.String(), nil
}
