package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/corpus"
	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/exec"
	"github.com/rss/fuzzkit/feedback"
	"github.com/rss/fuzzkit/fuzzer"
	"github.com/rss/fuzzkit/gen"
	"github.com/rss/fuzzkit/harness"
	"github.com/rss/fuzzkit/mutator"
	"github.com/rss/fuzzkit/observer"
	"github.com/rss/fuzzkit/scheduler"
)

// Client is one configured fuzzer together with what it has to release.
type Client struct {
	fuzzer *fuzzer.Fuzzer
	cov    *coverage.Map
	exec   exec.Executor
}

func newClient(cfg *ManagerConfig, name string, events fuzzer.EventManager) (*Client, error) {
	solutions, err := corpus.OpenOnDisk(cfg.CrashesDir())
	if err != nil {
		return nil, err
	}
	c := new(Client)
	opts := fuzzer.Options{
		Name:      name,
		Corpus:    corpus.NewInMemory(),
		Solutions: solutions,
		Mutator:   mutator.NewHavoc(mutator.DefaultMaxSize),
		Events:    events,
		Rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.Target == "" {
		c.cov = coverage.New(harness.MapSize)
		c.exec = exec.NewTimeout(exec.NewInProcess(harness.Marker, c.cov), cfg.Timeout())
		opts.Observer = observer.NewMapObserver("signals", c.cov, false)
		opts.Feedback = feedback.NewMaxMap("signals", harness.MapSize, false)
		opts.Objective = feedback.Crash()
		opts.Scheduler = scheduler.NewQueue(opts.Corpus)
	} else {
		c.cov, err = coverage.NewShared(cfg.MapSize)
		if err != nil {
			return nil, errors.Wrap(err, "cannot create coverage map")
		}
		fs, err := exec.NewForkserver(exec.ForkserverConfig{
			Target:         cfg.Target,
			Args:           cfg.TargetArgs,
			CrashExitCodes: cfg.CrashExitCodes,
			Debug:          cfg.Debug,
		}, c.cov)
		if err != nil {
			c.cov.Close()
			return nil, err
		}
		c.exec = exec.NewTimeout(fs, cfg.Timeout())
		opts.Observer = observer.NewMapObserver("shared_mem", c.cov, true)
		opts.Feedback = feedback.Or(
			feedback.NewMaxMap("shared_mem", cfg.MapSize, true),
			feedback.Time(),
		)
		// AFL style crash dedup: only crashes with new coverage
		opts.Objective = feedback.And(
			feedback.Crash(),
			feedback.NewMaxMap("crash_edges", cfg.MapSize, false),
		)
		opts.Scheduler = scheduler.NewMinimizer(opts.Corpus)
	}
	opts.Executor = c.exec
	c.fuzzer, err = fuzzer.New(opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) seed(cfg *ManagerConfig) error {
	f := c.fuzzer
	if f.Corpus().Count() == 0 && len(cfg.Input) != 0 {
		if err := f.LoadInitial(cfg.Input); err != nil {
			return err
		}
	}
	if f.Corpus().Count() == 0 {
		g := &gen.RandPrintables{MaxSize: cfg.MaxInputSize}
		if err := f.GenerateInitial(g, cfg.InitialInputs); err != nil {
			return err
		}
	}
	if f.Corpus().Count() == 0 {
		return errors.New("initial corpus is empty")
	}
	return nil
}

func (c *Client) Close() error {
	err := c.exec.Close()
	if cerr := c.cov.Close(); err == nil {
		err = cerr
	}
	return err
}

// runClient fuzzes until ctx is done or the events report shutdown.
func runClient(ctx context.Context, cfg *ManagerConfig, name string, events fuzzer.EventManager) error {
	c, err := newClient(cfg, name, events)
	if err != nil {
		return errors.Wrapf(err, "cannot set up %v", name)
	}
	defer c.Close()
	if err := c.seed(cfg); err != nil {
		return err
	}
	logger := log.WithField("client", name)
	logger.Infof("fuzzing with %v corpus entries", c.fuzzer.Corpus().Count())
	err = c.fuzzer.Loop(ctx)
	if exec.IsFatal(err) {
		logger.Errorf("executor failed after %v executions: %v", c.fuzzer.Stats().Executions, err)
	}
	return err
}
