// Package rpctype contains the messages exchanged between fuzzing clients
// and the broker.
package rpctype

import "time"

type EventKind int

const (
	EventNewTestcase EventKind = iota
	EventStats
	EventObjective
	EventClientStopped
)

func (k EventKind) String() string {
	switch k {
	case EventNewTestcase:
		return "new-testcase"
	case EventStats:
		return "stats"
	case EventObjective:
		return "objective"
	case EventClientStopped:
		return "client-stopped"
	}
	return "unknown"
}

// Event is sent by a client. Input is only set for EventNewTestcase and
// EventObjective; the counters carry the client's totals at Time.
type Event struct {
	Kind       EventKind
	Time       time.Time
	Input      []byte
	ExecTime   time.Duration
	Corpus     uint64
	Objectives uint64
	Executions uint64
	Timeouts   uint64
}

type ConnectArgs struct {
	Name string
	Core int
	Pid  int
}

type ConnectRes struct {
	ID int
}

type SyncArgs struct {
	ID     int
	Events []Event
}

type SyncRes struct {
	// Testcases found by other clients since the last sync.
	Testcases [][]byte
	Shutdown  bool
}
