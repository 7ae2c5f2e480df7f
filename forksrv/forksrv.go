// Package forksrv turns a Go harness into a forkserver target. Started by the
// fuzzer it speaks the AFL pipe protocol and runs every input in a fresh
// worker process; started by hand it runs the harness once on a file or on
// stdin so crashes can be reproduced.
package forksrv

import (
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rss/fuzzkit/coverage"
	"github.com/rss/fuzzkit/exec"
)

const EnvWorker = "FUZZKIT_FORKSRV_WORKER"

var cov = coverage.New(coverage.DefaultSize).Writer()

// Hit records coverage for instrumented code.
func Hit(id int) {
	cov.Hit(id % cov.Len())
}

// Main never returns.
func Main(harness exec.Harness) {
	switch {
	case os.Getenv(EnvWorker) != "":
		os.Exit(worker(harness))
	case serverMode():
		os.Exit(serve())
	default:
		os.Exit(standalone(harness))
	}
}

func serverMode() bool {
	if os.Getenv(coverage.EnvShmID) == "" {
		return false
	}
	_, err := unix.FcntlInt(exec.ForkserverStFD, unix.F_GETFD, 0)
	return err == nil
}

func errf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "[forksrv] "+format+"\n", args...)
}

func serve() int {
	unix.CloseOnExec(exec.ForkserverCtlFD)
	unix.CloseOnExec(exec.ForkserverStFD)
	comm := exec.NewPipeComm(
		os.NewFile(exec.ForkserverCtlFD, "forksrv-ctl"),
		os.NewFile(exec.ForkserverStFD, "forksrv-st"),
	)
	// crashing workers abort, their cores are useless here
	unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{})
	self, err := os.Executable()
	if err != nil {
		errf("cannot locate executable: %v", err)
		return 1
	}
	if err := exec.SendToken(comm, exec.ForkserverHello); err != nil {
		errf("cannot send hello: %v", err)
		return 1
	}
	for {
		if _, err := exec.RecvToken(comm); err != nil {
			if err == io.EOF {
				return 0
			}
			errf("cannot read go token: %v", err)
			return 1
		}
		cmd := osexec.Command(self, os.Args[1:]...)
		cmd.Env = append(os.Environ(), EnvWorker+"=1", "GOTRACEBACK=crash")
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			errf("cannot start worker: %v", err)
			return 1
		}
		if err := exec.SendToken(comm, uint32(cmd.Process.Pid)); err != nil {
			errf("cannot send worker pid: %v", err)
			cmd.Process.Kill()
			cmd.Wait()
			return 1
		}
		cmd.Wait()
		ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
		if !ok {
			errf("unexpected process state %T", cmd.ProcessState.Sys())
			return 1
		}
		if err := exec.SendToken(comm, uint32(ws)); err != nil {
			errf("cannot send worker status: %v", err)
			return 1
		}
	}
}

func readInput() ([]byte, error) {
	if len(os.Args) > 1 {
		return os.ReadFile(os.Args[len(os.Args)-1])
	}
	return io.ReadAll(os.Stdin)
}

func worker(harness exec.Harness) int {
	m, err := coverage.FromEnv()
	if err != nil {
		errf("cannot attach coverage map: %v", err)
		return 1
	}
	cov = m.Writer()
	data, err := readInput()
	if err != nil {
		errf("cannot read input: %v", err)
		return 1
	}
	harness(cov, data)
	return 0
}

func standalone(harness exec.Harness) int {
	data, err := readInput()
	if err != nil {
		errf("cannot read input: %v", err)
		return 1
	}
	harness(cov, data)
	return 0
}
