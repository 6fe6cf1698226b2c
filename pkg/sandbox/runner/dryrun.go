package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/registry"
	"github.com/opst/tuplefab/pkg/sandbox/materials"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"go.uber.org/zap"
)

// DryRunJob is a sandbox run which is not reported to anyone but the caller.
type DryRunJob struct {
	// Key names the job. A random suffix is added, so dry-runs never collide.
	Key string

	// Opener is a path of an opener file.
	Opener string

	// Samples are paths of data sample directories.
	Samples []string

	// Algo is a directory with a Dockerfile.
	//
	// When it is set, the algo is built and trained on the samples.
	// Otherwise, Config.DryRunImage reads the samples with the opener.
	Algo string
}

var _ registry.DryRunner = &Runner{}

// DryRun runs job in a sandbox, waiting for a free slot.
func (r *Runner) DryRun(ctx context.Context, job DryRunJob) (Outcome, error) {
	if job.Algo == "" && r.conf.DryRunImage == "" {
		return Outcome{}, domain.Validation("dry-run image is not configured")
	}

	key := job.Key + "-" + uuid.NewString()
	logger := r.logger.With(zap.String("key", key), zap.String("kind", string(runtime.RoleDryRun)))

	slot, err := r.slots.Take(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer slot.Release()

	if ok, err := r.track(ctx, key); err != nil {
		return Outcome{}, err
	} else if !ok {
		return Outcome{}, errors.New("dry-run " + key + " is running already")
	}
	defer r.untrack(key)

	path, err := r.materials.Acquire(key)
	if err != nil {
		return Outcome{}, err
	}
	defer r.teardown(ctx, key, path)

	sb := sandbox{path: path, cpuset: slot.Cpuset()}
	if err := sb.expose(r.mounter, job.Opener, filepath.Join(materials.DirOpener, "__init__.py")); err != nil {
		return Outcome{}, err
	}
	for i, s := range job.Samples {
		if err := sb.expose(r.mounter, s, filepath.Join(materials.DirData, strconv.Itoa(i))); err != nil {
			return Outcome{}, err
		}
	}

	spec := runtime.Spec{
		Name:   runtime.Name(runtime.RoleDryRun, key),
		Image:  r.conf.DryRunImage,
		Mounts: sb.mounts([]string{materials.DirData, materials.DirOpener}, nil),
		Limits: r.limits(sb.cpuset),
		Role:   runtime.RoleDryRun,
		Key:    key,
	}
	if job.Algo != "" {
		ref, err := r.runtime.Build(ctx, job.Algo, key)
		if err != nil {
			o := failed("algo cannot be built: "+err.Error(), "")
			logger.Info("dry-run failed", zap.String("reason", o.Reason))
			return o, nil
		}
		spec.Image = ref
		spec.Cmd = []string{"train", "--rank", "0"}
		spec.Mounts = sb.mounts([]string{materials.DirData, materials.DirOpener}, []string{materials.DirModel})
	}

	res, fail := r.runStep(ctx, spec)
	if fail != nil {
		logger.Info("dry-run failed", zap.String("reason", fail.Reason))
		return *fail, nil
	}
	if job.Algo != "" {
		produced := filepath.Join(sb.dir(materials.DirModel), OutModelFile)
		if info, err := os.Lstat(produced); err != nil || !info.Mode().IsRegular() {
			return failed("train container did not write model/"+OutModelFile, res.Log), nil
		}
	}
	logger.Info("dry-run succeeded")
	return Outcome{Status: domain.Done}, nil
}

// DryRunData checks that the opener reads the samples.
func (r *Runner) DryRunData(ctx context.Context, key string, opener string, samples []string) error {
	return dryRunError(r.DryRun(ctx, DryRunJob{Key: key, Opener: opener, Samples: samples}))
}

// DryRunAlgo checks that the algo in dir trains on the samples, read by the opener.
func (r *Runner) DryRunAlgo(ctx context.Context, key string, dir string, opener string, samples []string) error {
	return dryRunError(r.DryRun(ctx, DryRunJob{Key: key, Opener: opener, Samples: samples, Algo: dir}))
}

func dryRunError(out Outcome, err error) error {
	if err != nil {
		return err
	}
	if out.Status != domain.Done {
		return domain.Execution(errors.New(out.Log))
	}
	return nil
}
