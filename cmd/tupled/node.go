package main

import (
	"context"
	"errors"
	goruntime "runtime"

	"github.com/opst/tuplefab/pkg/computeplan"
	"github.com/opst/tuplefab/pkg/configs"
	xe "github.com/opst/tuplefab/pkg/errors"
	"github.com/opst/tuplefab/pkg/hook"
	"github.com/opst/tuplefab/pkg/kubeutil"
	"github.com/opst/tuplefab/pkg/ledger"
	"github.com/opst/tuplefab/pkg/ledger/rest"
	"github.com/opst/tuplefab/pkg/metrics"
	"github.com/opst/tuplefab/pkg/mirror"
	"github.com/opst/tuplefab/pkg/mirror/memory"
	"github.com/opst/tuplefab/pkg/mirror/postgres"
	"github.com/opst/tuplefab/pkg/queue"
	"github.com/opst/tuplefab/pkg/registry"
	"github.com/opst/tuplefab/pkg/sandbox/materials"
	"github.com/opst/tuplefab/pkg/sandbox/mount"
	"github.com/opst/tuplefab/pkg/sandbox/runner"
	"github.com/opst/tuplefab/pkg/sandbox/runtime"
	"github.com/opst/tuplefab/pkg/sandbox/runtime/docker"
	"github.com/opst/tuplefab/pkg/sandbox/runtime/k8s"
	"github.com/opst/tuplefab/pkg/sandbox/slots"
	"github.com/opst/tuplefab/pkg/storage"
	"github.com/opst/tuplefab/pkg/tuple"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Node is every component of a tuplefab node, wired up from a config.
type Node struct {
	Conf *configs.Config

	Registerer *prometheus.Registry
	Metrics    *metrics.Collector

	Conn      *ledger.Connection
	Queue     *queue.Queue
	Gateway   *ledger.Gateway
	Mirror    mirror.Interface
	Store     *storage.Store
	Materials *materials.Manager
	Slots     *slots.Pool
	Runtime   runtime.Runtime
	Runner    *runner.Runner
	Machine   *tuple.Machine
	Registry  *registry.Registry
	Scheduler *computeplan.Scheduler

	closers []func(context.Context) error
}

// Open connects to the ledger and the mirror, and builds components on them.
//
// Components already built are closed when it fails.
func Open(ctx context.Context, conf *configs.Config, logger *zap.Logger) (_ *Node, err error) {
	n := &Node{Conf: conf}
	defer func() {
		if err != nil {
			err = errors.Join(err, n.Close(context.WithoutCancel(ctx)))
		}
	}()

	n.Registerer = prometheus.NewRegistry()
	n.Registerer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.Metrics = metrics.New(n.Registerer)

	lconf := conf.Ledger()
	n.Conn, err = ledger.Connect(
		ctx, rest.Dialer(lconf.Endpoint(), lconf.Channel(), lconf.Chaincode()),
		lconf.Channel(), lconf.Chaincode(),
	)
	if err != nil {
		return nil, err
	}
	n.onClose(func(context.Context) error { return n.Conn.Disconnect() })

	qconf := conf.Queue()
	n.Queue = queue.New(logger, queue.Config{
		Workers: qconf.Workers(), Capacity: qconf.Capacity(), Retention: qconf.Retention(),
	})
	n.onClose(n.Queue.Close)

	n.Gateway = ledger.New(
		n.Conn, logger,
		ledger.WithQueue(n.Queue),
		ledger.WithMetrics(n.Metrics),
		ledger.WithSyncTimeout(lconf.SyncTimeout()),
		ledger.WithCommitPolling(lconf.CommitPolling()),
	)

	if dsn := conf.Mirror().Postgres(); dsn != "" {
		pg, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		n.Mirror = pg
	} else {
		logger.Warn("mirror is on memory. it is lost when the node stops")
		n.Mirror = memory.New()
	}
	n.onClose(func(context.Context) error { return n.Mirror.Close() })

	{
		var options []storage.Option
		if u := conf.Storage().BaseURL(); u != nil {
			options = append(options, storage.WithBaseURL(u))
		}
		if n.Store, err = storage.New(conf.Storage().Root(), logger, options...); err != nil {
			return nil, err
		}
	}

	sconf := conf.Sandbox()
	if n.Materials, err = materials.New(sconf.Root(), logger); err != nil {
		return nil, err
	}
	mounter, err := mount.ByName(sconf.Mount(), sconf.Root())
	if err != nil {
		return nil, err
	}

	cpus := make([]int, goruntime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	if s := sconf.CPUs(); s != "" {
		if cpus, err = slots.ParseCPUs(s); err != nil {
			return nil, err
		}
	}
	if n.Slots, err = slots.New(cpus, sconf.CPUsPerSlot(), n.Metrics); err != nil {
		return nil, err
	}

	if n.Runtime, err = connectRuntime(sconf, logger); err != nil {
		return nil, err
	}

	n.Runner = runner.New(
		n.Runtime, n.Materials, mounter, n.Slots, n.Store,
		runner.StoreLookup{Gateway: n.Gateway, Mirror: n.Mirror},
		runner.Config{
			Memory:       sconf.Memory(),
			Shm:          sconf.Shm(),
			MetricsImage: sconf.MetricsImage(),
			DryRunImage:  sconf.DryRunImage(),
		},
		logger,
		runner.WithMetrics(n.Metrics),
	)

	hooks := conf.Hooks()
	n.Machine = tuple.New(
		n.Gateway, n.Mirror, logger,
		tuple.WithHook(hook.Web[tuple.Event]{BeforeURL: hooks.Before(), AfterURL: hooks.After()}),
		tuple.WithMetrics(n.Metrics),
	)

	n.Registry = registry.New(
		conf.Node(), n.Gateway, n.Mirror, n.Store, n.Queue, logger,
		registry.WithDryRunner(n.Runner),
	)
	n.Scheduler = computeplan.New(conf.Node(), n.Gateway, n.Mirror, logger)

	return n, nil
}

func connectRuntime(sconf *configs.SandboxConfig, logger *zap.Logger) (runtime.Runtime, error) {
	switch sconf.Runtime() {
	case configs.RuntimeDocker:
		c, err := docker.FromEnv()
		if err != nil {
			return nil, xe.WrapWithNote("connecting docker engine", err)
		}
		return docker.New(c, logger, docker.WithRepository(sconf.Docker().Repository())), nil
	case configs.RuntimeKubernetes:
		kconf := sconf.Kubernetes()
		var searchPath []string
		if p := kconf.Kubeconfig(); p != "" {
			searchPath = append(searchPath, p)
		}
		clientset, err := kubeutil.Connect(searchPath...)
		if err != nil {
			return nil, err
		}
		options := []k8s.Option{k8s.WithNodeName(kconf.NodeName())}
		if b := kconf.Builder(); b != nil {
			builder, err := k8s.NewBuilder(b.Base(), b.Repository(), b.Entrypoint())
			if err != nil {
				return nil, err
			}
			options = append(options, k8s.WithBuilder(builder))
		}
		return k8s.New(k8s.WrapClientset(clientset), kconf.Namespace(), logger, options...), nil
	}
	return nil, xe.New("unknown runtime: " + sconf.Runtime())
}

func (n *Node) onClose(f func(context.Context) error) {
	n.closers = append(n.closers, f)
}

// Close closes components in the reverse order of opening.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; 0 <= i; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}
