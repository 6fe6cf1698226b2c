package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/sandbox/materials"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/tuple"
	"go.uber.org/zap"
)

// train runs "train --rank N [in-model...]".
//
// Input models are found in /sandbox/model by their hash, and the container
// writes its model to /sandbox/model/model.
func (r *Runner) train(ctx context.Context, logger *zap.Logger, sb sandbox, t *domain.Traintuple) Outcome {
	if err := r.data(ctx, &sb, t.DataManagerKey, t.DataSampleKeys); err != nil {
		return failed(err.Error(), "")
	}

	cmd := []string{"train", "--rank", strconv.Itoa(t.Rank)}
	for _, parent := range t.InModels {
		hash, path, err := r.model(ctx, parent)
		if err != nil {
			return failed(fmt.Sprintf("in-model %s: %s", parent, err), "")
		}
		if err := sb.expose(r.mounter, path, filepath.Join(materials.DirModel, hash)); err != nil {
			return failed(err.Error(), "")
		}
		cmd = append(cmd, hash)
	}

	image, err := r.image(ctx, t.AlgoKey)
	if err != nil {
		return failed(err.Error(), "")
	}

	res, fail := r.runStep(ctx, runtime.Spec{
		Name:   runtime.Name(runtime.RoleTrain, t.Key),
		Image:  image,
		Cmd:    cmd,
		Mounts: sb.mounts([]string{materials.DirData, materials.DirOpener}, []string{materials.DirModel}),
		Limits: r.limits(sb.cpuset),
		Role:   runtime.RoleTrain,
		Key:    t.Key,
	})
	if fail != nil {
		return *fail
	}

	produced := filepath.Join(sb.dir(materials.DirModel), OutModelFile)
	if info, err := os.Lstat(produced); err != nil || !info.Mode().IsRegular() {
		return failed("train container did not write model/"+OutModelFile, res.Log)
	}
	hash, err := r.store.Put(produced)
	if err != nil {
		return failed(err.Error(), res.Log)
	}
	logger.Info("model is stored", zap.String("hash", hash))

	return Outcome{
		Status: domain.Done,
		Outcome: tuple.Outcome{
			Log: tail(res.Log, maxReportedLog),
			OutModel: &domain.OutModel{
				Hash:           hash,
				StorageAddress: r.store.Address(hash),
			},
		},
	}
}

// test runs "predict <model>" with the algo, and then metrics.
//
// Test data is the objective's unless the testtuple names its own.
func (r *Runner) test(ctx context.Context, logger *zap.Logger, sb sandbox, t *domain.Testtuple) Outcome {
	a, err := r.assets.Asset(ctx, domain.KindObjective, t.ObjectiveKey)
	if err != nil {
		return failed(fmt.Sprintf("objective %s: %s", t.ObjectiveKey, err), "")
	}
	objective := a.(*domain.Objective)

	dm, samples := t.DataManagerKey, t.DataSampleKeys
	if dm == "" {
		dm, samples = objective.TestDataManagerKey, objective.TestDataSampleKeys
	}
	if dm == "" || len(samples) == 0 {
		return failed("no test data", "")
	}
	if err := r.data(ctx, &sb, dm, samples); err != nil {
		return failed(err.Error(), "")
	}

	a, err = r.assets.Asset(ctx, domain.KindTraintuple, t.TraintupleKey)
	if err != nil {
		return failed(fmt.Sprintf("traintuple %s: %s", t.TraintupleKey, err), "")
	}
	trained := a.(*domain.Traintuple)
	hash, path, err := r.model(ctx, t.TraintupleKey)
	if err != nil {
		return failed(err.Error(), "")
	}
	if err := sb.expose(r.mounter, path, filepath.Join(materials.DirModel, hash)); err != nil {
		return failed(err.Error(), "")
	}

	image, err := r.image(ctx, trained.AlgoKey)
	if err != nil {
		return failed(err.Error(), "")
	}
	limits := r.limits(sb.cpuset)

	predicted, fail := r.runStep(ctx, runtime.Spec{
		Name:   runtime.Name(runtime.RoleTest, t.Key),
		Image:  image,
		Cmd:    []string{"predict", hash},
		Mounts: sb.mounts([]string{materials.DirData, materials.DirOpener, materials.DirModel}, []string{materials.DirPred}),
		Limits: limits,
		Role:   runtime.RoleTest,
		Key:    t.Key,
	})
	if fail != nil {
		return *fail
	}

	if !r.store.Has(objective.Key) {
		return failed(fmt.Sprintf("metrics of %s: %s", objective.Key, domain.ErrMissing), "")
	}
	if err := mkdir(sb.dir(dirMetrics)); err != nil {
		return failed(err.Error(), "")
	}
	if err := sb.expose(r.mounter, r.store.Path(objective.Key), filepath.Join(dirMetrics, "__init__.py")); err != nil {
		return failed(err.Error(), "")
	}
	measured, fail := r.runStep(ctx, runtime.Spec{
		Name:   runtime.Name(runtime.RoleMetrics, t.Key),
		Image:  r.conf.MetricsImage,
		Mounts: sb.mounts([]string{materials.DirData, materials.DirOpener, dirMetrics}, []string{materials.DirPred}),
		Limits: limits,
		Role:   runtime.RoleMetrics,
		Key:    t.Key,
	})
	if fail != nil {
		return *fail
	}

	perf, err := readPerf(filepath.Join(sb.dir(materials.DirPred), PerfFile))
	if err != nil {
		return failed(err.Error(), measured.Log)
	}
	logger.Info("testtuple is scored", zap.Float64("perf", perf))

	return Outcome{
		Status: domain.Done,
		Outcome: tuple.Outcome{
			Log:  tail(predicted.Log+measured.Log, maxReportedLog),
			Perf: &perf,
		},
	}
}

// readPerf reads the "all" score of perf.json.
func readPerf(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, errors.New("metrics container did not write pred/" + PerfFile)
	} else if err != nil {
		return 0, domain.Filesystem(err)
	}
	var perf struct {
		All *float64 `json:"all"`
	}
	if err := json.Unmarshal(b, &perf); err != nil {
		return 0, fmt.Errorf("malformed %s: %w", PerfFile, err)
	}
	if perf.All == nil {
		return 0, fmt.Errorf("%s has no \"all\" score", PerfFile)
	}
	return *perf.All, nil
}
