package exec

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/rss/fuzzkit/coverage"
)

// Harness runs the target logic on one input. A panic or a memory fault
// inside the call is reported as a crash. The harness must not keep data
// after it returns.
type Harness func(cov coverage.Writer, data []byte)

const DefaultMaxAbandoned = 16

type InProcess struct {
	harness Harness
	cov     *coverage.Map

	// MaxAbandoned bounds the number of timed out calls still running in
	// the background before RunTimeout gives up with ErrTooManyHangs.
	MaxAbandoned int

	inflight  atomic.Int32
	lastFault string
}

type callResult struct {
	kind  ExitKind
	fault interface{}
}

func NewInProcess(harness Harness, cov *coverage.Map) *InProcess {
	return &InProcess{
		harness:      harness,
		cov:          cov,
		MaxAbandoned: DefaultMaxAbandoned,
	}
}

// call is the guarded scope of one execution: memory faults turn into
// panics for the current goroutine and the previous setting is restored on
// the way out.
func (e *InProcess) call(w coverage.Writer, data []byte) (res callResult) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			res = callResult{kind: Crash, fault: r}
		}
	}()
	e.harness(w, data)
	return callResult{kind: Ok}
}

func (e *InProcess) Run(input []byte) (ExitKind, error) {
	return e.finish(e.call(e.cov.Writer(), input)), nil
}

// RunTimeout runs the harness on a watchdog goroutine. A call that does not
// return in time is abandoned: the map is detached from its writer and the
// goroutine keeps running on a private copy of the input.
func (e *InProcess) RunTimeout(input []byte, timeout time.Duration) (ExitKind, error) {
	if n := int(e.inflight.Load()); n >= e.MaxAbandoned {
		return Timeout, errors.Wrapf(ErrTooManyHangs, "%v harness calls never returned", n)
	}
	data := append([]byte(nil), input...)
	w := e.cov.Writer()
	done := make(chan callResult, 1)
	e.inflight.Add(1)
	go func() {
		res := e.call(w, data)
		e.inflight.Add(-1)
		done <- res
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return e.finish(res), nil
	case <-timer.C:
		e.cov.Detach()
		log.Debugf("harness call abandoned after %v, %v still running", timeout, e.inflight.Load())
		return Timeout, nil
	}
}

func (e *InProcess) finish(res callResult) ExitKind {
	if res.kind == Crash {
		e.lastFault = fmt.Sprint(res.fault)
		log.Debugf("harness crashed: %v", e.lastFault)
	}
	return res.kind
}

// LastFault describes the most recent crash.
func (e *InProcess) LastFault() string {
	return e.lastFault
}

// Abandoned returns the number of timed out calls that have not returned yet.
func (e *InProcess) Abandoned() int {
	return int(e.inflight.Load())
}

func (e *InProcess) Close() error {
	return nil
}
