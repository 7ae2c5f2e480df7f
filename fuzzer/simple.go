package fuzzer

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/rpctype"
)

const DefaultPrintInterval = 5 * time.Second

// SimpleManager is the event manager of a single process run: nothing is
// relayed, stats are printed locally.
type SimpleManager struct {
	name          string
	printInterval time.Duration
	start         time.Time
	lastPrint     time.Time
	last          rpctype.Event
	print         func(string)
}

func NewSimpleManager(name string, printInterval time.Duration) *SimpleManager {
	if printInterval <= 0 {
		printInterval = DefaultPrintInterval
	}
	now := time.Now()
	return &SimpleManager{
		name:          name,
		printInterval: printInterval,
		start:         now,
		lastPrint:     now,
		print:         func(s string) { log.Info(s) },
	}
}

func (m *SimpleManager) Fire(ev rpctype.Event) error {
	m.last.Kind = ev.Kind
	m.last.Corpus = ev.Corpus
	m.last.Objectives = ev.Objectives
	m.last.Executions = ev.Executions
	m.last.Timeouts = ev.Timeouts
	switch ev.Kind {
	case rpctype.EventNewTestcase:
		log.Debugf("[%v] new testcase of %v bytes, corpus=%v", m.name, len(ev.Input), ev.Corpus)
	case rpctype.EventObjective:
		m.report("objective")
		return nil
	}
	if time.Since(m.lastPrint) >= m.printInterval {
		m.report(ev.Kind.String())
	}
	return nil
}

func (m *SimpleManager) report(what string) {
	m.lastPrint = time.Now()
	m.print(m.Line(what))
}

// Line renders the latest counters.
func (m *SimpleManager) Line(what string) string {
	d := time.Since(m.start)
	throughput := float64(m.last.Executions) / d.Seconds()
	return fmt.Sprintf("[%v] %v: run time=%v, corpus=%v, objectives=%v, exec=%v, timeouts=%v, throughput=%.2f(exec/s)",
		m.name,
		what,
		d.Round(time.Second).String(),
		m.last.Corpus,
		m.last.Objectives,
		m.last.Executions,
		m.last.Timeouts,
		throughput,
	)
}

func (m *SimpleManager) Process(eval func(input []byte) error) error {
	return nil
}

func (m *SimpleManager) Close() error {
	m.report("stopped")
	return nil
}
