// Package launcher runs a broker and one supervised fuzzing client process
// per core.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rss/fuzzkit/broker"
	"github.com/rss/fuzzkit/util"
)

const (
	EnvIndex    = "FUZZKIT_CLIENT_INDEX"
	EnvCore     = "FUZZKIT_CLIENT_CORE"
	EnvBroker   = "FUZZKIT_BROKER_ADDR"
	EnvRestarts = "FUZZKIT_RESTARTS"
)

type Config struct {
	Cores  []int
	Broker broker.Config
	// Client stdout goes here; empty keeps the parent's stdout.
	StdoutFile    string
	RestartDelay  time.Duration
	ShutdownGrace time.Duration
	SyncInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Cores:         []int{NoCore},
		Broker:        broker.DefaultConfig(),
		RestartDelay:  time.Second,
		ShutdownGrace: 5 * time.Second,
		SyncInterval:  3 * time.Second,
	}
}

type ClientInfo struct {
	Index    int
	Core     int
	Restarts int
	Broker   string
}

func (info ClientInfo) Name() string {
	return fmt.Sprintf("client-%d", info.Index)
}

// ClientFunc runs the fuzzer of one client process. Returning nil or
// util.ErrShuttingDown ends the client for good, anything else restarts it.
type ClientFunc func(ctx context.Context, events *broker.Client, info ClientInfo) error

type Launcher struct {
	cfg    Config
	client ClientFunc
	stdout io.Writer
	newCmd func(info ClientInfo) *exec.Cmd
}

func New(cfg Config, client ClientFunc) *Launcher {
	def := DefaultConfig()
	if len(cfg.Cores) == 0 {
		cfg.Cores = def.Cores
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	l := &Launcher{
		cfg:    cfg,
		client: client,
		stdout: os.Stdout,
	}
	l.newCmd = l.clientCmd
	return l
}

// IsClient reports whether this process was spawned by a launcher.
func IsClient() bool {
	_, ok := os.LookupEnv(EnvIndex)
	return ok
}

// Launch runs the broker side in the parent process and the client
// function in spawned processes. The parent returns util.ErrShuttingDown
// once ctx is cancelled and every client is gone.
func (l *Launcher) Launch(ctx context.Context) error {
	if IsClient() {
		return l.runClient(ctx)
	}
	return l.runBroker(ctx)
}

func (l *Launcher) runBroker(ctx context.Context) error {
	b, err := broker.New(l.cfg.Broker)
	if err != nil {
		return err
	}
	if l.cfg.StdoutFile != "" {
		f, err := os.OpenFile(l.cfg.StdoutFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			b.Close()
			return errors.Wrapf(err, "cannot open %v", l.cfg.StdoutFile)
		}
		defer f.Close()
		l.stdout = f
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		b.Loop(loopCtx)
		close(loopDone)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, core := range l.cfg.Cores {
		info := ClientInfo{
			Index:  i,
			Core:   core,
			Broker: b.Addr(),
		}
		g.Go(func() error {
			return l.supervise(gctx, b.Shutdown, info)
		})
	}
	err = g.Wait()
	stopLoop()
	<-loopDone
	if cerr := b.Close(); cerr != nil {
		log.Errorf("cannot persist stats: %v", cerr)
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return util.ErrShuttingDown
	}
	return nil
}

// supervise restarts a failing client until it exits cleanly or ctx is
// done. Only a client that cannot be started is an error.
func (l *Launcher) supervise(ctx context.Context, shutdown func(), info ClientInfo) error {
	for {
		cmd := l.newCmd(info)
		if err := cmd.Start(); err != nil {
			return errors.Wrapf(err, "cannot start %v", info.Name())
		}
		log.Infof("%v started on core %v, pid %v", info.Name(), info.Core, cmd.Process.Pid)
		done := make(chan error, 1)
		go func() {
			done <- cmd.Wait()
		}()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			shutdown()
			select {
			case <-done:
			case <-time.After(l.cfg.ShutdownGrace):
				log.Warnf("%v did not stop in %v, killing it", info.Name(), l.cfg.ShutdownGrace)
				cmd.Process.Kill()
				<-done
			}
			return nil
		}
		if err == nil {
			log.Infof("%v exited", info.Name())
			return nil
		}
		info.Restarts++
		log.Warnf("%v failed: %v, restart %v in %v", info.Name(), err, info.Restarts, l.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.RestartDelay):
		}
	}
}

func (l *Launcher) clientCmd(info ClientInfo) *exec.Cmd {
	bin, err := os.Executable()
	if err != nil {
		bin = os.Args[0]
	}
	cmd := exec.Command(bin, os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		EnvIndex+"="+strconv.Itoa(info.Index),
		EnvCore+"="+strconv.Itoa(info.Core),
		EnvBroker+"="+info.Broker,
		EnvRestarts+"="+strconv.Itoa(info.Restarts),
	)
	cmd.Stdout = l.stdout
	cmd.Stderr = os.Stderr
	return cmd
}

func clientInfoFromEnv() (ClientInfo, error) {
	var info ClientInfo
	var err error

	if info.Index, err = strconv.Atoi(os.Getenv(EnvIndex)); err != nil {
		return info, errors.Wrapf(err, "bad %v", EnvIndex)
	}
	if info.Core, err = strconv.Atoi(os.Getenv(EnvCore)); err != nil {
		return info, errors.Wrapf(err, "bad %v", EnvCore)
	}
	if info.Restarts, err = strconv.Atoi(os.Getenv(EnvRestarts)); err != nil {
		info.Restarts = 0
	}
	info.Broker = os.Getenv(EnvBroker)
	if info.Broker == "" {
		return info, fmt.Errorf("%v is not set", EnvBroker)
	}
	return info, nil
}

func (l *Launcher) runClient(ctx context.Context) error {
	info, err := clientInfoFromEnv()
	if err != nil {
		return err
	}
	if info.Core != NoCore {
		if err := PinToCore(info.Core); err != nil {
			return err
		}
	}
	events, err := broker.Dial(broker.ClientConfig{
		Addr:         info.Broker,
		Name:         info.Name(),
		Core:         info.Core,
		SyncInterval: l.cfg.SyncInterval,
	})
	if err != nil {
		return err
	}
	err = l.client(ctx, events, info)
	if cerr := events.Close(); cerr != nil {
		log.Warnf("cannot report %v as stopped: %v", info.Name(), cerr)
	}
	return err
}
