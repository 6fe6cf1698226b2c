package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opst/tuplefab/pkg/computeplan"
	"github.com/opst/tuplefab/pkg/configs"
	"github.com/opst/tuplefab/pkg/domain"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/registry"
	"github.com/opst/tuplefab/pkg/tuple"
	"github.com/opst/tuplefab/pkg/utils/args"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// withNode opens a node for a one-shot command, and closes it after f.
func withNode(ctx context.Context, logger *zap.Logger, configPath string, f func(*Node) error) error {
	conf, err := configs.Load(configPath)
	if err != nil {
		return err
	}
	node, err := Open(ctx, conf, logger)
	if err != nil {
		return err
	}
	return errors.Join(f(node), node.Close(context.WithoutCancel(ctx)))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type registered struct {
	Keys      []string `json:"keys"`
	Validated bool     `json:"validated"`
	Handle    string   `json:"handle,omitempty"`
}

func outcomes(outs ...ledger.Outcome) registered {
	r := registered{Validated: true}
	for _, o := range outs {
		r.Keys = append(r.Keys, o.Key())
		r.Validated = r.Validated && o.Validated
	}
	return r
}

func register(ctx context.Context, logger *zap.Logger, configPath string, argv []string) error {
	if len(argv) == 0 {
		return errors.New("register: kind is required. (datamanager|datasample|objective|algo)")
	}
	kind, argv := argv[0], argv[1:]

	flags := pflag.NewFlagSet("register "+kind, pflag.ContinueOnError)
	mode := args.Parser("sync|async", ledger.AsMode, ledger.Sync)
	flags.Var(mode, "mode", "wait for the ledger to commit (sync), or not (async)")
	name := flags.String("name", "", "name of the asset")
	description := flags.String("description", "", "description of the asset")
	public := flags.Bool("public", false, "make the asset visible from every node")
	authorized := flags.StringSlice("authorized", nil, "nodes the asset is visible from")

	var run func(*Node, domain.Permissions) (any, error)
	switch kind {
	case "datamanager":
		typ := flags.String("type", "", "type of data")
		opener := flags.String("opener", "", "path to the opener")
		objective := flags.String("objective", "", "key of the objective the data manager is for")
		run = func(n *Node, perm domain.Permissions) (any, error) {
			o, err := n.Registry.RegisterDataManager(ctx, registry.DataManagerRequest{
				Name: *name, Type: *typ, OpenerPath: *opener, Description: *description,
				ObjectiveKey: *objective, Permissions: perm,
			}, mode.Value())
			return outcomes(o), err
		}
	case "datasample":
		managers := flags.StringSlice("data-manager", nil, "keys of data managers the samples belong to")
		testOnly := flags.Bool("test-only", false, "use the samples only for testing")
		dryRun := flags.Bool("dry-run", false, "check the samples with the opener, instead of registering")
		run = func(n *Node, _ domain.Permissions) (any, error) {
			res, err := n.Registry.RegisterDataSamples(ctx, registry.DataSampleRequest{
				Paths: flags.Args(), DataManagerKeys: *managers, TestOnly: *testOnly, DryRun: *dryRun,
			}, mode.Value())
			if err != nil {
				return nil, err
			}
			if res.DryRun != nil {
				if _, err := res.DryRun.Wait(ctx); err != nil {
					return nil, err
				}
				return registered{Keys: res.Keys, Handle: res.DryRun.ID()}, nil
			}
			r := outcomes(res.Outcomes...)
			r.Keys = res.Keys
			return r, nil
		}
	case "objective":
		metrics := flags.String("metrics", "", "path to the metrics")
		testManager := flags.String("test-data-manager", "", "key of the data manager of test data")
		testSamples := flags.StringSlice("test-data-sample", nil, "keys of test data samples")
		run = func(n *Node, perm domain.Permissions) (any, error) {
			o, err := n.Registry.RegisterObjective(ctx, registry.ObjectiveRequest{
				Name: *name, MetricsPath: *metrics, Description: *description,
				TestDataManagerKey: *testManager, TestDataSampleKeys: *testSamples,
				Permissions: perm,
			}, mode.Value())
			return outcomes(o), err
		}
	case "algo":
		dryRun := flags.Bool("dry-run", false, "train the algo on local data samples, instead of registering")
		manager := flags.String("data-manager", "", "key of the data manager whose opener reads samples on dry-run")
		samples := flags.StringSlice("data-sample", nil, "keys of data samples trained on dry-run")
		run = func(n *Node, perm domain.Permissions) (any, error) {
			if flags.NArg() != 1 {
				return nil, errors.New("register algo: one directory is required")
			}
			if *dryRun {
				h, err := n.Registry.DryRunAlgo(ctx, registry.AlgoDryRunRequest{
					Path: flags.Arg(0), DataManagerKey: *manager, DataSampleKeys: *samples,
				})
				if err != nil {
					return nil, err
				}
				if _, err := h.Wait(ctx); err != nil {
					return nil, err
				}
				return registered{Handle: h.ID()}, nil
			}
			o, err := n.Registry.RegisterAlgo(ctx, registry.AlgoRequest{
				Name: *name, Path: flags.Arg(0), Description: *description, Permissions: perm,
			}, mode.Value())
			return outcomes(o), err
		}
	default:
		return fmt.Errorf("register: unknown kind: %s", kind)
	}

	if err := flags.Parse(argv); err != nil {
		return err
	}
	perm := domain.Permissions{Public: *public, AuthorizedIDs: *authorized}

	return withNode(ctx, logger, configPath, func(n *Node) error {
		res, err := run(n, perm)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func plan(ctx context.Context, logger *zap.Logger, configPath string, argv []string) error {
	flags := pflag.NewFlagSet("plan", pflag.ContinueOnError)
	validateOnly := flags.Bool("validate", false, "validate the plan without submitting")
	if err := flags.Parse(argv); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("plan: one plan file is required")
	}

	content, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return err
	}
	var p computeplan.Plan
	if err := json.Unmarshal(content, &p); err != nil {
		return fmt.Errorf("%w: plan: %w", domain.ErrValidation, err)
	}

	return withNode(ctx, logger, configPath, func(n *Node) error {
		if *validateOnly {
			return n.Scheduler.Validate(ctx, p)
		}
		sub, err := n.Scheduler.Submit(ctx, p)
		if err != nil {
			return err
		}
		traintuples := map[string]string{}
		for id, r := range sub.Traintuples {
			traintuples[id] = r.Key()
		}
		testtuples := make([]string, len(sub.Testtuples))
		for i, r := range sub.Testtuples {
			testtuples[i] = r.Key()
		}
		return printJSON(map[string]any{
			"computePlanID": sub.ComputePlanID,
			"traintuples":   traintuples,
			"testtuples":    testtuples,
		})
	})
}

func wait(ctx context.Context, logger *zap.Logger, configPath string, argv []string) error {
	flags := pflag.NewFlagSet("wait", pflag.ContinueOnError)
	kind := args.Parser("traintuple|testtuple", domain.AsAssetKind, domain.KindTraintuple)
	flags.Var(kind, "kind", "kind of the tuple")
	interval := flags.Duration("interval", 5*time.Second, "polling interval")
	timeout := flags.Duration("timeout", 0, "give up after this. 0 means no timeout")
	if err := flags.Parse(argv); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("wait: one key is required")
	}
	if !kind.Value().IsTuple() {
		return fmt.Errorf("wait: %s is not a tuple kind", kind.Value())
	}

	if 0 < *timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	return withNode(ctx, logger, configPath, func(n *Node) error {
		t, err := tuple.WaitFor(ctx, n.Gateway, kind.Value(), flags.Arg(0), *interval)
		if err != nil {
			return err
		}
		return printJSON(t)
	})
}
