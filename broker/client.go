package broker

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/rpctype"
	"github.com/rss/fuzzkit/util"
)

type ClientConfig struct {
	Addr string
	// Stable across restarts of the same client.
	Name         string
	Core         int
	SyncInterval time.Duration
	// Queue length that forces a sync before SyncInterval passed.
	MaxQueue  int
	TimeScale time.Duration
}

// Client is the fuzzer side of the broker connection.
type Client struct {
	cfg      ClientConfig
	rpc      *rpctype.RPCClient
	id       int
	queue    []rpctype.Event
	last     rpctype.Event
	lastSync time.Time
	shutdown bool
}

func Dial(cfg ClientConfig) (*Client, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 64
	}
	rpc, err := rpctype.NewRPCClient(cfg.Addr, cfg.TimeScale)
	if err != nil {
		return nil, err
	}
	args := &rpctype.ConnectArgs{
		Name: cfg.Name,
		Core: cfg.Core,
		Pid:  os.Getpid(),
	}
	res := new(rpctype.ConnectRes)
	if err := rpc.Call("Broker.Connect", args, res); err != nil {
		rpc.Close()
		return nil, errors.Wrap(err, "cannot connect to broker")
	}
	return &Client{
		cfg:      cfg,
		rpc:      rpc,
		id:       res.ID,
		lastSync: time.Now(),
	}, nil
}

func (c *Client) ID() int {
	return c.id
}

func (c *Client) Fire(ev rpctype.Event) error {
	c.last = ev
	// only the newest stats matter
	if n := len(c.queue); ev.Kind == rpctype.EventStats && n > 0 && c.queue[n-1].Kind == rpctype.EventStats {
		c.queue[n-1] = ev
		return nil
	}
	c.queue = append(c.queue, ev)
	return nil
}

func (c *Client) Process(eval func(input []byte) error) error {
	if c.shutdown {
		return util.ErrShuttingDown
	}
	if time.Since(c.lastSync) < c.cfg.SyncInterval && len(c.queue) < c.cfg.MaxQueue {
		return nil
	}
	return c.Flush(eval)
}

// Flush syncs regardless of the interval.
func (c *Client) Flush(eval func(input []byte) error) error {
	res, err := c.sync()
	if err != nil {
		return err
	}
	for _, input := range res.Testcases {
		if err := eval(input); err != nil {
			return err
		}
	}
	if res.Shutdown {
		c.shutdown = true
		return util.ErrShuttingDown
	}
	return nil
}

func (c *Client) sync() (*rpctype.SyncRes, error) {
	args := &rpctype.SyncArgs{
		ID:     c.id,
		Events: c.queue,
	}
	res := new(rpctype.SyncRes)
	if err := c.rpc.Call("Broker.Sync", args, res); err != nil {
		return nil, errors.Wrap(err, "cannot sync with broker")
	}
	c.queue = nil
	c.lastSync = time.Now()
	log.Debugf("synced with broker, got %v testcases", len(res.Testcases))
	return res, nil
}

// Close reports the client as stopped with its last counters.
func (c *Client) Close() error {
	ev := c.last
	ev.Kind = rpctype.EventClientStopped
	ev.Time = time.Now()
	ev.Input = nil
	c.queue = append(c.queue, ev)
	_, err := c.sync()
	c.rpc.Close()
	return err
}
