package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osexec "os/exec"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/broker"
	"github.com/rss/fuzzkit/corpus"
	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/fuzzer"
	"github.com/rss/fuzzkit/launcher"
	"github.com/rss/fuzzkit/util"
)

func launch(ctx context.Context, cfg *ManagerConfig) error {
	cores, err := launcher.ParseCores(cfg.Cores)
	if err != nil {
		return err
	}
	lcfg := launcher.DefaultConfig()
	lcfg.Cores = cores
	lcfg.StdoutFile = cfg.StdoutFile
	lcfg.Broker.Addr = fmt.Sprintf(":%d", cfg.Port)
	lcfg.Broker.RemoteBroker = cfg.Remote
	lcfg.Broker.StatsFile = cfg.StatsFile()
	lcfg.Broker.MetricsAddr = cfg.MetricsAddr
	if cfg.PrintIntervalMs > 0 {
		lcfg.Broker.PrintInterval = cfg.PrintInterval()
	}
	l := launcher.New(lcfg, func(ctx context.Context, events *broker.Client, info launcher.ClientInfo) error {
		return runClient(ctx, cfg, info.Name(), events)
	})
	return l.Launch(ctx)
}

func runSingle(ctx context.Context, cfg *ManagerConfig) error {
	events := fuzzer.NewSimpleManager("single", cfg.PrintInterval())
	defer events.Close()
	return runClient(ctx, cfg, "single", events)
}

// preflight checks in the parent what every client sets up again. Clients
// that fail here would otherwise be restarted forever.
func preflight(cfg *ManagerConfig) error {
	if _, err := corpus.OpenOnDisk(cfg.CrashesDir()); err != nil {
		return errors.Wrap(err, "cannot open output directory")
	}
	if cfg.Target == "" {
		return nil
	}
	if _, err := osexec.LookPath(cfg.Target); err != nil {
		return errors.Wrap(err, "cannot find target")
	}
	m, err := coverage.NewShared(cfg.MapSize)
	if err != nil {
		return errors.Wrapf(err, "cannot create shared memory map of %v bytes", cfg.MapSize)
	}
	return m.Close()
}

func run(ctx context.Context, cfg *ManagerConfig) error {
	if !launcher.IsClient() {
		if err := preflight(cfg); err != nil {
			return err
		}
		wd, _ := os.Getwd()
		log.Infof("workdir: %v, output: %v", wd, cfg.Output)
	}
	if cfg.Single {
		return runSingle(ctx, cfg)
	}
	return launch(ctx, cfg)
}

func main() {
	flags := registerFlags(flag.CommandLine)
	flag.Parse()
	cfg, err := loadConfig(flag.CommandLine, flags)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = run(ctx, cfg)
	switch {
	case err == nil:
	case util.IsShuttingDown(err):
		if !launcher.IsClient() {
			fmt.Println("Fuzzing stopped by user. Good bye.")
		}
	default:
		log.Fatalf("failed to run fuzzer: %v", err)
	}
}
