// tupled is a node of tuplefab.
//
// Usage:
//
//	tupled [--config FILE] [serve]
//	tupled [--config FILE] register (datamanager|datasample|objective|algo) [flags] [PATH...]
//	tupled [--config FILE] plan PLAN.json
//	tupled [--config FILE] wait [--kind traintuple|testtuple] KEY
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opst/tuplefab/pkg/configs"
	"github.com/opst/tuplefab/pkg/utils/filewatch"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type command func(ctx context.Context, logger *zap.Logger, configPath string, args []string) error

var commands = map[string]command{
	"serve":    serve,
	"register": register,
	"plan":     plan,
	"wait":     wait,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	flags := pflag.NewFlagSet("tupled", pflag.ExitOnError)
	flags.SetInterspersed(false)
	pconfig := flags.String("config", os.Getenv("TUPLEFAB_CONFIG"), "path to config file. (env: TUPLEFAB_CONFIG)")
	pdebug := flags.Bool("debug", false, "log in development mode")
	flags.Parse(os.Args[1:])

	logger, err := newLogger(*pdebug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	name, args := "serve", flags.Args()
	if 0 < len(args) {
		name, args = args[0], args[1:]
	}
	cmd, ok := commands[name]
	if !ok {
		logger.Fatal("unknown command", zap.String("command", name))
	}
	if *pconfig == "" {
		logger.Fatal("config file is not specified. pass --config or set TUPLEFAB_CONFIG")
	}

	if err := cmd(ctx, logger, *pconfig, args); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("command failed", zap.String("command", name), zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// serve runs the node. It restarts the node when the config file is modified.
func serve(ctx context.Context, logger *zap.Logger, configPath string, args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	grace := flags.Duration("grace", 30*time.Second, "how long running sandboxes are waited for on shutdown")
	if err := flags.Parse(args); err != nil {
		return err
	}

	for {
		wctx, stop, err := filewatch.UntilModified(ctx, configPath)
		if err != nil {
			return err
		}
		err = serveOnce(wctx, logger, configPath, *grace)
		stop()

		if ctx.Err() == nil && errors.Is(context.Cause(wctx), filewatch.ErrModified) {
			logger.Info("config is modified. restarting", zap.String("config", configPath))
			continue
		}
		return err
	}
}

func serveOnce(ctx context.Context, logger *zap.Logger, configPath string, grace time.Duration) error {
	conf, err := configs.Load(configPath)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("node", conf.Node()))

	node, err := Open(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("closing node", zap.Error(err))
		}
	}()

	loglevel := "warn"
	if logger.Core().Enabled(zap.DebugLevel) {
		loglevel = "debug"
	}
	server := BuildServer(node, logger, loglevel)
	addr := fmt.Sprintf(":%d", conf.Server().Port())

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("serving", zap.String("addr", addr))
		if err := server.Start(addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	eg.Go(func() error {
		err := StartLoops(ctx, logger, node, grace)
		if err == nil {
			// every loop has run out its backlog. the server keeps serving models.
			logger.Info("loops are over")
		}
		return err
	})
	return eg.Wait()
}
