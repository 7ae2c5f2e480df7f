// Package exec runs a target against one input at a time and reports how the
// execution ended. Crashes and timeouts are results; a returned error means
// the executor itself can no longer be trusted.
package exec

import (
	"time"

	"github.com/pkg/errors"
)

type ExitKind int

const (
	Ok ExitKind = iota
	Crash
	Timeout
)

func (k ExitKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case Crash:
		return "crash"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

type Executor interface {
	Run(input []byte) (ExitKind, error)
	Close() error
}

// Deadliner is an executor that can bound a single run.
type Deadliner interface {
	Executor
	RunTimeout(input []byte, timeout time.Duration) (ExitKind, error)
}

var (
	ErrProtocol     = errors.New("forkserver protocol desync")
	ErrSpawn        = errors.New("cannot spawn target")
	ErrTooManyHangs = errors.New("too many abandoned executions")
)

// IsFatal reports whether err is one of the executor failure kinds.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrSpawn) || errors.Is(err, ErrTooManyHangs)
}

func protocolErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}

func spawnErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrSpawn, format, args...)
}

type TimeoutExecutor struct {
	inner   Deadliner
	timeout time.Duration
}

func NewTimeout(inner Deadliner, timeout time.Duration) *TimeoutExecutor {
	return &TimeoutExecutor{
		inner:   inner,
		timeout: timeout,
	}
}

func (e *TimeoutExecutor) Run(input []byte) (ExitKind, error) {
	return e.inner.RunTimeout(input, e.timeout)
}

func (e *TimeoutExecutor) Close() error {
	return e.inner.Close()
}

func (e *TimeoutExecutor) Timeout() time.Duration {
	return e.timeout
}
