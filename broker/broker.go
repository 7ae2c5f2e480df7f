// Package broker aggregates the events of every fuzzing client of a run,
// relays new testcases between them and tells them when to stop.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/rpctype"
	"github.com/rss/fuzzkit/util"
)

type Config struct {
	// Listen address of the rpc server.
	Addr string
	// Stats are persisted here as JSON if set.
	StatsFile       string
	PrintInterval   time.Duration
	PersistInterval time.Duration
	// Prometheus endpoint, disabled if empty.
	MetricsAddr string
	// Upstream broker this broker exchanges testcases with.
	RemoteBroker string
	SyncInterval time.Duration
	// Max number of testcases handed to a client per sync.
	RelayBatch int
}

func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:1337",
		PrintInterval:   5 * time.Second,
		PersistInterval: 15 * time.Second,
		SyncInterval:    3 * time.Second,
		RelayBatch:      256,
	}
}

type clientInfo struct {
	id       int
	name     string
	core     int
	pid      int
	cursor   int
	restarts int
	stopped  bool
	lastSeen time.Time
	// counters of the current process and of the ones before a restart
	cur     rpctype.Event
	carried rpctype.Event
}

type relayed struct {
	from  int
	input []byte
}

// remoteID marks testcases that came from the upstream broker.
const remoteID = -1

type Broker struct {
	cfg     Config
	runID   string
	start   time.Time
	mu      sync.Mutex
	clients []*clientInfo
	byName  map[string]*clientInfo
	log     []relayed

	objectivesFound uint64
	shutdown        atomic.Bool

	server       *rpctype.RPCServer
	metrics      *metrics
	metricsSrv   *http.Server
	remote       *Client
	remoteCursor int
}

// New binds the rpc server, the metrics endpoint and the upstream link.
// Any failure here aborts the run before clients exist.
func New(cfg Config) (*Broker, error) {
	var err error

	def := DefaultConfig()
	if cfg.PrintInterval <= 0 {
		cfg.PrintInterval = def.PrintInterval
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.RelayBatch <= 0 {
		cfg.RelayBatch = def.RelayBatch
	}
	b := &Broker{
		cfg:     cfg,
		runID:   uuid.NewString(),
		start:   time.Now(),
		byName:  make(map[string]*clientInfo),
		metrics: newMetrics(),
	}
	b.server, err = rpctype.NewRPCServer(cfg.Addr, "Broker", b)
	if err != nil {
		return nil, errors.Wrap(err, "cannot init broker server")
	}
	if cfg.MetricsAddr != "" {
		b.metricsSrv, err = b.metrics.serve(cfg.MetricsAddr)
		if err != nil {
			b.server.Close()
			return nil, err
		}
	}
	if cfg.RemoteBroker != "" {
		b.remote, err = Dial(ClientConfig{
			Addr:         cfg.RemoteBroker,
			Name:         "broker-" + b.runID,
			Core:         -1,
			SyncInterval: cfg.SyncInterval,
		})
		if err != nil {
			b.server.Close()
			if b.metricsSrv != nil {
				b.metricsSrv.Close()
			}
			return nil, errors.Wrap(err, "cannot connect to remote broker")
		}
		log.Infof("connected to remote broker %v", cfg.RemoteBroker)
	}
	go b.server.Serve()
	log.Infof("broker %v listening on %v", b.runID, b.server.Addr())
	return b, nil
}

func (b *Broker) Addr() string {
	return b.server.Addr().String()
}

func (b *Broker) RunID() string {
	return b.runID
}

func (b *Broker) Connect(args *rpctype.ConnectArgs, res *rpctype.ConnectRes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.byName[args.Name]
	if ok {
		c.restarts++
		c.carried = addCounters(c.carried, c.cur)
		c.cur = rpctype.Event{}
		c.cursor = 0
		c.stopped = false
		log.Infof("client %v reconnected (restart %v)", c.name, c.restarts)
	} else {
		c = &clientInfo{
			id:   len(b.clients),
			name: args.Name,
		}
		b.clients = append(b.clients, c)
		b.byName[args.Name] = c
		log.Infof("client %v connected", c.name)
	}
	c.core = args.Core
	c.pid = args.Pid
	c.lastSeen = time.Now()
	res.ID = c.id
	return nil
}

func (b *Broker) Sync(args *rpctype.SyncArgs, res *rpctype.SyncRes) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if args.ID < 0 || args.ID >= len(b.clients) {
		return fmt.Errorf("unknown client %v", args.ID)
	}
	c := b.clients[args.ID]
	c.lastSeen = time.Now()
	for _, ev := range args.Events {
		switch ev.Kind {
		case rpctype.EventNewTestcase:
			b.log = append(b.log, relayed{from: c.id, input: ev.Input})
			b.metrics.relayed.Inc()
		case rpctype.EventObjective:
			b.objectivesFound++
			log.Infof("[%v] objective found, %v in total", c.name, b.objectivesFound)
		case rpctype.EventClientStopped:
			c.stopped = true
			log.Infof("client %v stopped", c.name)
		}
		c.cur.Corpus = ev.Corpus
		c.cur.Objectives = ev.Objectives
		c.cur.Executions = ev.Executions
		c.cur.Timeouts = ev.Timeouts
	}
	for c.cursor < len(b.log) && len(res.Testcases) < b.cfg.RelayBatch {
		r := b.log[c.cursor]
		c.cursor++
		if r.from != c.id {
			res.Testcases = append(res.Testcases, r.input)
		}
	}
	res.Shutdown = b.shutdown.Load()
	b.metrics.update(b.totalsLocked())
	return nil
}

// Shutdown makes every following sync tell the client to stop.
func (b *Broker) Shutdown() {
	if !b.shutdown.Swap(true) {
		log.Infof("broker shutting down...")
	}
}

func addCounters(a, b rpctype.Event) rpctype.Event {
	a.Corpus += b.Corpus
	a.Objectives += b.Objectives
	a.Executions += b.Executions
	a.Timeouts += b.Timeouts
	return a
}

type Totals struct {
	Clients    int
	Running    int
	Corpus     uint64
	Objectives uint64
	Executions uint64
	Timeouts   uint64
	Relayed    int
}

func (b *Broker) Totals() Totals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalsLocked()
}

func (b *Broker) totalsLocked() Totals {
	t := Totals{Clients: len(b.clients), Relayed: len(b.log)}
	for _, c := range b.clients {
		if !c.stopped {
			t.Running++
		}
		// a client's corpus is rebuilt after a restart, the other
		// counters accumulate across processes
		t.Corpus += c.cur.Corpus
		t.Objectives += c.carried.Objectives + c.cur.Objectives
		t.Executions += c.carried.Executions + c.cur.Executions
		t.Timeouts += c.carried.Timeouts + c.cur.Timeouts
	}
	return t
}

func (b *Broker) line() string {
	t := b.Totals()
	d := time.Since(b.start)
	throughput := float64(t.Executions) / d.Seconds()
	return fmt.Sprintf("[broker] run time=%v, clients=%v/%v, corpus=%v, objectives=%v, exec=%v, timeouts=%v, relayed=%v, throughput=%.2f(exec/s)",
		d.Round(time.Second).String(),
		t.Running,
		t.Clients,
		t.Corpus,
		t.Objectives,
		t.Executions,
		t.Timeouts,
		t.Relayed,
		throughput,
	)
}

// Loop prints and persists stats and talks to the upstream broker until ctx
// is done.
func (b *Broker) Loop(ctx context.Context) error {
	printTicker := time.NewTicker(b.cfg.PrintInterval)
	defer printTicker.Stop()
	persistTicker := time.NewTicker(b.cfg.PersistInterval)
	defer persistTicker.Stop()
	syncTicker := time.NewTicker(b.cfg.SyncInterval)
	defer syncTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-printTicker.C:
			log.Info(b.line())
		case <-persistTicker.C:
			if err := b.Persist(); err != nil {
				log.Errorf("cannot persist stats: %v", err)
			}
		case <-syncTicker.C:
			if err := b.syncRemote(); err != nil {
				if util.IsShuttingDown(err) {
					b.Shutdown()
					continue
				}
				log.Warnf("remote broker sync failed: %v", err)
			}
		}
	}
}

// Close persists the final stats and releases the listeners.
func (b *Broker) Close() error {
	b.Shutdown()
	log.Info(b.line())
	err := b.Persist()
	b.server.Close()
	if b.metricsSrv != nil {
		b.metricsSrv.Close()
	}
	if b.remote != nil {
		b.remote.Close()
	}
	return err
}

// syncRemote forwards local testcases upstream and appends the upstream
// ones to the relay log.
func (b *Broker) syncRemote() error {
	if b.remote == nil {
		return nil
	}
	b.mu.Lock()
	for ; b.remoteCursor < len(b.log); b.remoteCursor++ {
		r := b.log[b.remoteCursor]
		if r.from == remoteID {
			continue
		}
		b.remote.Fire(rpctype.Event{
			Kind:  rpctype.EventNewTestcase,
			Time:  time.Now(),
			Input: r.input,
		})
	}
	t := b.totalsLocked()
	b.mu.Unlock()
	b.remote.Fire(rpctype.Event{
		Kind:       rpctype.EventStats,
		Time:       time.Now(),
		Corpus:     t.Corpus,
		Objectives: t.Objectives,
		Executions: t.Executions,
		Timeouts:   t.Timeouts,
	})
	return b.remote.Flush(func(input []byte) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.log = append(b.log, relayed{from: remoteID, input: input})
		return nil
	})
}
