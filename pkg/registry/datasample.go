package registry

import (
	"context"
	"os"
	"slices"

	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/queue"
	"github.com/opst/tuplefab/pkg/utils/digest"
	"go.uber.org/zap"
)

type DataSampleRequest struct {
	// Paths are directories of data samples. Each becomes one data sample.
	Paths []string

	DataManagerKeys []string
	TestOnly        bool

	// DryRun runs the opener of the first data manager against the samples,
	// instead of registering them.
	DryRun bool
}

type DataSampleResult struct {
	// Keys of data samples, in the order of paths.
	Keys []string

	// Outcomes of registrations. Empty for dry-runs.
	Outcomes []ledger.Outcome

	// DryRun tracks the dry-run.
	DryRun *queue.Handle[struct{}]
}

// RegisterDataSamples registers directories as data samples.
//
// The key of a data sample is the digest of its directory, so registering
// the same content twice settles on the same key.
// Paths having the same content in one request are rejected.
func (r *Registry) RegisterDataSamples(ctx context.Context, req DataSampleRequest, mode ledger.Mode) (DataSampleResult, error) {
	if len(req.Paths) == 0 {
		return DataSampleResult{}, domain.Validation("data sample: paths are required")
	}
	if len(req.DataManagerKeys) == 0 {
		return DataSampleResult{}, domain.Validation("data sample: data managers are required")
	}
	for _, k := range req.DataManagerKeys {
		a, err := r.find(ctx, k, domain.KindDataManager)
		if err != nil {
			return DataSampleResult{}, err
		}
		if owner := a.(*domain.DataManager).Owner; owner != r.node {
			return DataSampleResult{}, domain.Validation("data manager %s is owned by %s, not by this node", k, owner)
		}
	}

	keys := make([]string, 0, len(req.Paths))
	seen := map[string]string{}
	for _, p := range req.Paths {
		info, err := os.Stat(p)
		if err != nil {
			return DataSampleResult{}, domain.Validation("data sample: %v", domain.Filesystem(err))
		}
		if !info.IsDir() {
			return DataSampleResult{}, domain.Validation("data sample: %s is not a directory", p)
		}
		key, err := digest.Dir(p)
		if err != nil {
			return DataSampleResult{}, domain.Validation("data sample: %v", domain.Filesystem(err))
		}
		if prev, ok := seen[key]; ok {
			return DataSampleResult{}, domain.Validation(
				"data sample: %s and %s have the same content (%s)", prev, p, key,
			)
		}
		seen[key] = p
		keys = append(keys, key)
	}

	if req.DryRun {
		return r.dryRunDataSamples(req, keys)
	}

	result := DataSampleResult{Keys: keys}
	for i, p := range req.Paths {
		_, fresh, err := r.put(p)
		if err != nil {
			return result, err
		}
		ds := &domain.DataSample{
			Key:             keys[i],
			Owner:           r.node,
			DataManagerKeys: req.DataManagerKeys,
			TestOnly:        req.TestOnly,
		}
		out, err := r.commit(ctx, ds, fresh, mode)
		if err != nil {
			return result, err
		}
		result.Outcomes = append(result.Outcomes, out)
	}
	return result, nil
}

func (r *Registry) dryRunDataSamples(req DataSampleRequest, keys []string) (DataSampleResult, error) {
	if r.dryrun == nil {
		return DataSampleResult{}, domain.Validation("data sample: dry-run is not available on this node")
	}
	opener := r.store.Path(req.DataManagerKeys[0])
	paths := slices.Clone(req.Paths)
	name := "dryrun:" + req.DataManagerKeys[0]

	h, err := queue.Submit(r.queue, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.dryrun.DryRunData(ctx, keys[0], opener, paths)
	})
	if err != nil {
		return DataSampleResult{}, err
	}
	r.logger.Info("dry-run is enqueued", zap.String("job", h.ID()), zap.Strings("keys", keys))
	return DataSampleResult{Keys: keys, DryRun: h}, nil
}

// UpdateDataSamples links data samples to more data managers.
//
// In Sync mode, the mirror is updated when the ledger commits.
// In Async mode, the whole update runs on the job queue and
// the returned Outcome tracks it with its Handle.
func (r *Registry) UpdateDataSamples(ctx context.Context, keys []string, dataManagerKeys []string, mode ledger.Mode) (ledger.Outcome, error) {
	if len(keys) == 0 || len(dataManagerKeys) == 0 {
		return ledger.Outcome{}, domain.Validation("data sample update: keys and data managers are required")
	}
	for _, k := range dataManagerKeys {
		if _, err := r.find(ctx, k, domain.KindDataManager); err != nil {
			return ledger.Outcome{}, err
		}
	}
	samples := make([]*domain.DataSample, 0, len(keys))
	for _, k := range keys {
		a, err := r.find(ctx, k, domain.KindDataSample)
		if err != nil {
			return ledger.Outcome{}, err
		}
		samples = append(samples, a.(*domain.DataSample))
	}

	update := func(ctx context.Context) (ledger.Outcome, error) {
		req := ledger.Request{
			Fcn:  ledger.FnUpdateDataSample,
			Args: map[string][]string{"keys": keys, "dataManagerKeys": dataManagerKeys},
		}
		out, err := r.gateway.Invoke(ctx, req, ledger.Sync)
		if err != nil {
			return out, err
		}
		for _, ds := range samples {
			for _, dm := range dataManagerKeys {
				if !slices.Contains(ds.DataManagerKeys, dm) {
					ds.DataManagerKeys = append(ds.DataManagerKeys, dm)
				}
			}
			if _, err := r.mirror.Upsert(ctx, mirror.Record{Asset: ds, Validated: true, UpdatedAt: r.now()}); err != nil {
				return out, err
			}
		}
		return out, nil
	}

	switch mode {
	case ledger.Sync:
		return update(ctx)
	case ledger.Async:
		h, err := queue.Submit(r.queue, ledger.FnUpdateDataSample, update)
		if err != nil {
			return ledger.Outcome{}, err
		}
		return ledger.Outcome{Handle: h}, nil
	}
	return ledger.Outcome{}, domain.Validation("unknown mode: %s", mode)
}
