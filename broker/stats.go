package broker

import (
	"time"

	"github.com/rss/fuzzkit/result"
	"github.com/rss/fuzzkit/util"
)

// StatsFile is the JSON document the broker persists.
type StatsFile struct {
	RunID      string        `json:"run_id"`
	TimeStamp  string        `json:"time_stamp"`
	RunTime    string        `json:"run_time"`
	Clients    int           `json:"clients"`
	Running    int           `json:"running"`
	Corpus     uint64        `json:"corpus"`
	Objectives uint64        `json:"objectives"`
	Executions uint64        `json:"executions"`
	Timeouts   uint64        `json:"timeouts"`
	Relayed    int           `json:"relayed"`
	Throughput float64       `json:"throughput"`
	PerClient  []ClientStats `json:"clients_stats"`
}

type ClientStats struct {
	Name       string `json:"name"`
	Core       int    `json:"core"`
	Pid        int    `json:"pid"`
	Restarts   int    `json:"restarts"`
	Stopped    bool   `json:"stopped"`
	LastSeen   string `json:"last_seen"`
	Corpus     uint64 `json:"corpus"`
	Objectives uint64 `json:"objectives"`
	Executions uint64 `json:"executions"`
	Timeouts   uint64 `json:"timeouts"`
}

func (b *Broker) Snapshot() *StatsFile {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.totalsLocked()
	d := time.Since(b.start)
	s := &StatsFile{
		RunID:      b.runID,
		TimeStamp:  time.Now().Format(result.TimeStampFormat),
		RunTime:    d.Round(time.Second).String(),
		Clients:    t.Clients,
		Running:    t.Running,
		Corpus:     t.Corpus,
		Objectives: t.Objectives,
		Executions: t.Executions,
		Timeouts:   t.Timeouts,
		Relayed:    t.Relayed,
		Throughput: float64(t.Executions) / d.Seconds(),
	}
	for _, c := range b.clients {
		s.PerClient = append(s.PerClient, ClientStats{
			Name:       c.name,
			Core:       c.core,
			Pid:        c.pid,
			Restarts:   c.restarts,
			Stopped:    c.stopped,
			LastSeen:   c.lastSeen.Format(result.TimeStampFormat),
			Corpus:     c.cur.Corpus,
			Objectives: c.carried.Objectives + c.cur.Objectives,
			Executions: c.carried.Executions + c.cur.Executions,
			Timeouts:   c.carried.Timeouts + c.cur.Timeouts,
		})
	}
	return s
}

// Persist writes the stats file; a no-op without StatsFile.
func (b *Broker) Persist() error {
	if b.cfg.StatsFile == "" {
		return nil
	}
	return util.ToJsonFile(b.Snapshot(), b.cfg.StatsFile)
}

func LoadStats(path string) (*StatsFile, error) {
	s := new(StatsFile)
	if err := util.FromJsonFile(s, path); err != nil {
		return nil, err
	}
	return s, nil
}
