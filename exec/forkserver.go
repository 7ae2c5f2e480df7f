package exec

import (
	"os"
	osexec "os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/rss/fuzzkit/coverage"
)

const InputPlaceholder = "@@"

type ForkserverConfig struct {
	// Target binary speaking the AFL forkserver protocol.
	Target string
	// Target arguments, "@@" is replaced by the input file path. Without
	// "@@" the input file is the target's stdin.
	Args []string
	// Extra environment for the target.
	Env []string
	// Location of the input exchange file. A temporary file is used if empty.
	InputFile string
	// Time the target gets to say hello.
	HandshakeTimeout time.Duration
	// Time the server gets to fork a worker or to report a killed one.
	ResyncTimeout time.Duration
	// Exit codes that count as a crash. A signaled worker always does.
	CrashExitCodes []int
	// Forward target stdout and stderr.
	Debug bool
}

type Forkserver struct {
	cfg        ForkserverConfig
	cov        *coverage.Map
	cmd        *osexec.Cmd
	comm       Comm
	input      *os.File
	tmpInput   bool
	lastKilled bool
	exited     chan error
}

func DefaultForkserverConfig() ForkserverConfig {
	return ForkserverConfig{
		HandshakeTimeout: 10 * time.Second,
		ResyncTimeout:    2 * time.Second,
	}
}

// NewForkserver starts the target and waits for its hello. The coverage map
// must be shared memory.
func NewForkserver(cfg ForkserverConfig, cov *coverage.Map) (*Forkserver, error) {
	var err error
	var ctlR, ctlW, stR, stW *os.File

	if !cov.Shared() {
		return nil, errors.New("forkserver needs a shared memory coverage map")
	}
	def := DefaultForkserverConfig()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ResyncTimeout == 0 {
		cfg.ResyncTimeout = def.ResyncTimeout
	}
	fs := &Forkserver{
		cfg:    cfg,
		cov:    cov,
		exited: make(chan error, 1),
	}
	if cfg.InputFile == "" {
		fs.input, err = os.CreateTemp("", ".cur_input")
		fs.tmpInput = true
	} else {
		fs.input, err = os.OpenFile(cfg.InputFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot create input file")
	}
	inputPath, _ := filepath.Abs(fs.input.Name())

	args := make([]string, len(cfg.Args))
	useStdin := true
	for i, a := range cfg.Args {
		if a == InputPlaceholder {
			a = inputPath
			useStdin = false
		}
		args[i] = a
	}

	ctlR, ctlW, err = os.Pipe()
	if err != nil {
		fs.closeInput()
		return nil, errors.Wrap(err, "cannot create control pipe")
	}
	stR, stW, err = os.Pipe()
	if err != nil {
		ctlR.Close()
		ctlW.Close()
		fs.closeInput()
		return nil, errors.Wrap(err, "cannot create status pipe")
	}
	fs.comm = NewPipeComm(stR, ctlW)

	cmd := osexec.Command(cfg.Target, args...)
	cmd.Env = append(append(os.Environ(), cfg.Env...), cov.Env()...)
	extra := make([]*os.File, ForkserverStFD-2)
	extra[ForkserverCtlFD-3] = ctlR
	extra[ForkserverStFD-3] = stW
	cmd.ExtraFiles = extra
	if useStdin {
		cmd.Stdin = fs.input
	}
	if cfg.Debug {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	err = cmd.Start()
	ctlR.Close()
	stW.Close()
	if err != nil {
		fs.comm.Close()
		fs.closeInput()
		return nil, spawnErrorf("cannot start %v: %v", cfg.Target, err)
	}
	fs.cmd = cmd
	go func() {
		fs.exited <- cmd.Wait()
	}()

	if err = fs.handshake(); err != nil {
		fs.Close()
		return nil, err
	}
	log.Debugf("forkserver %v started, pid %v", cfg.Target, cmd.Process.Pid)
	return fs, nil
}

func (fs *Forkserver) handshake() error {
	fs.comm.SetRWDeadline(time.Now().Add(fs.cfg.HandshakeTimeout))
	defer fs.comm.SetRWDeadline(time.Time{})
	hello, err := RecvToken(fs.comm)
	if err != nil {
		if os.IsTimeout(err) {
			return spawnErrorf("no forkserver hello within %v", fs.cfg.HandshakeTimeout)
		}
		return spawnErrorf("cannot read forkserver hello: %v", err)
	}
	log.Debugf("forkserver hello 0x%x", hello)
	return nil
}

func (fs *Forkserver) writeInput(input []byte) error {
	if err := fs.input.Truncate(0); err != nil {
		return err
	}
	if _, err := fs.input.WriteAt(input, 0); err != nil {
		return err
	}
	_, err := fs.input.Seek(0, 0)
	return err
}

func (fs *Forkserver) Run(input []byte) (ExitKind, error) {
	return fs.RunTimeout(input, 0)
}

// RunTimeout asks the server for one execution. On expiry only the worker is
// killed and the status of the killed worker is read back before returning,
// so the pipes stay in step.
func (fs *Forkserver) RunTimeout(input []byte, timeout time.Duration) (ExitKind, error) {
	var err error
	var pid, status, killed uint32

	if err = fs.writeInput(input); err != nil {
		return Ok, errors.Wrap(err, "cannot write input file")
	}
	// The fork itself is bounded by the resync timeout, the run timeout only
	// covers the worker once its pid is known.
	fs.comm.SetRWDeadline(time.Now().Add(fs.cfg.ResyncTimeout))
	defer fs.comm.SetRWDeadline(time.Time{})
	if fs.lastKilled {
		killed = 1
	}
	if err = SendToken(fs.comm, killed); err != nil {
		return Ok, protocolErrorf("cannot send go token: %v", err)
	}
	fs.lastKilled = false
	pid, err = RecvToken(fs.comm)
	if err != nil {
		if os.IsTimeout(err) {
			return Ok, protocolErrorf("no worker pid within %v", fs.cfg.ResyncTimeout)
		}
		return Ok, protocolErrorf("cannot read worker pid: %v", err)
	}
	if int32(pid) <= 0 {
		return Ok, protocolErrorf("invalid worker pid %v", int32(pid))
	}
	if timeout > 0 {
		fs.comm.SetRWDeadline(time.Now().Add(timeout))
	} else {
		fs.comm.SetRWDeadline(time.Time{})
	}
	status, err = RecvToken(fs.comm)
	if err != nil {
		if os.IsTimeout(err) {
			goto timeout
		}
		return Ok, protocolErrorf("cannot read worker status: %v", err)
	}
	return fs.classify(unix.WaitStatus(status)), nil
timeout:
	unix.Kill(int(pid), unix.SIGKILL)
	fs.lastKilled = true
	fs.comm.SetRWDeadline(time.Now().Add(fs.cfg.ResyncTimeout))
	if _, err = RecvToken(fs.comm); err != nil {
		return Timeout, protocolErrorf("cannot resync after killing worker %v: %v", pid, err)
	}
	return Timeout, nil
}

func (fs *Forkserver) classify(ws unix.WaitStatus) ExitKind {
	switch {
	case ws.Signaled():
		return Crash
	case ws.Exited():
		for _, code := range fs.cfg.CrashExitCodes {
			if ws.ExitStatus() == code {
				return Crash
			}
		}
	}
	return Ok
}

func (fs *Forkserver) Pid() int {
	return fs.cmd.Process.Pid
}

func (fs *Forkserver) closeInput() {
	fs.input.Close()
	if fs.tmpInput {
		os.Remove(fs.input.Name())
	}
}

// Close kills the server together with any running worker.
func (fs *Forkserver) Close() error {
	if fs.cmd == nil {
		return nil
	}
	unix.Kill(-fs.cmd.Process.Pid, unix.SIGKILL)
	select {
	case <-fs.exited:
	case <-time.After(fs.cfg.ResyncTimeout):
		log.Warnf("forkserver %v did not exit after SIGKILL", fs.cmd.Process.Pid)
	}
	fs.cmd = nil
	fs.comm.Close()
	fs.closeInput()
	return nil
}
