//go:build linux

package procio

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ControlFD is the descriptor number of the control socket in the child.
const ControlFD = 3

const writeTimeout = 10 * time.Second

type Spec struct {
	Path string
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	Dir string

	// StdoutFile and StderrFile send the child's output straight to files. The corresponding
	// Process stream is nil in that case.
	StdoutFile string
	StderrFile string
}

// Process is a spawned worker. It is not safe for concurrent use.
type Process struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd
	pid int

	stdin   int
	Stdout  *Stream
	Stderr  *Stream
	Control *Stream

	exited bool
	status unix.WaitStatus
}

// Spawn starts the process described by spec.
func Spawn(spec Spec, log *zap.SugaredLogger) (*Process, error) {
	var parentFDs []int
	var childFiles []*os.File
	closeAll := func() {
		for _, fd := range parentFDs {
			unix.Close(fd)
		}
		for _, f := range childFiles {
			f.Close()
		}
	}

	pipe := func(name string, parentReads bool) (int, *os.File, error) {
		var p [2]int
		if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
			return -1, nil, fmt.Errorf("creating %s pipe: %w", name, err)
		}
		parent, child := p[1], p[0]
		if parentReads {
			parent, child = p[0], p[1]
		}
		parentFDs = append(parentFDs, parent)
		f := os.NewFile(uintptr(child), name)
		childFiles = append(childFiles, f)
		if err := unix.SetNonblock(parent, true); err != nil {
			return -1, nil, fmt.Errorf("setting %s non-blocking: %w", name, err)
		}
		return parent, f, nil
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{log: log, cmd: cmd}

	stdinFD, stdinFile, err := pipe("stdin", false)
	if err != nil {
		closeAll()
		return nil, err
	}
	p.stdin = stdinFD
	cmd.Stdin = stdinFile

	outputs := []struct {
		name   string
		file   string
		stream **Stream
	}{
		{"stdout", spec.StdoutFile, &p.Stdout},
		{"stderr", spec.StderrFile, &p.Stderr},
	}
	for i, o := range outputs {
		var f *os.File
		if o.file != "" {
			f, err = os.OpenFile(o.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("opening %s file: %w", o.name, err)
			}
			childFiles = append(childFiles, f)
		} else {
			var fd int
			fd, f, err = pipe(o.name, true)
			if err != nil {
				closeAll()
				return nil, err
			}
			*o.stream = newStream(o.name, fd)
		}
		if i == 0 {
			cmd.Stdout = f
		} else {
			cmd.Stderr = f
		}
	}

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("creating control socket: %w", err)
	}
	parentFDs = append(parentFDs, pair[0])
	ctrlFile := os.NewFile(uintptr(pair[1]), "control")
	childFiles = append(childFiles, ctrlFile)
	if err := unix.SetNonblock(pair[0], true); err != nil {
		closeAll()
		return nil, fmt.Errorf("setting control non-blocking: %w", err)
	}
	p.Control = newStream("control", pair[0])
	cmd.ExtraFiles = []*os.File{ctrlFile}

	if err := cmd.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}
	for _, f := range childFiles {
		f.Close()
	}
	p.pid = cmd.Process.Pid
	p.log.Debugw("spawned process", "PID", p.pid, "Path", spec.Path, "Args", spec.Args)
	return p, nil
}

func (p *Process) Pid() int { return p.pid }

// WriteStdin writes all of b to the child's stdin, retrying partial writes.
func (p *Process) WriteStdin(b []byte) error {
	if p.stdin < 0 {
		return errors.New("stdin is closed")
	}
	return writeAll(p.stdin, b)
}

// WriteControl writes all of b to the control socket.
func (p *Process) WriteControl(b []byte) error {
	if p.Control.closed {
		return errors.New("control channel is closed")
	}
	return writeAll(p.Control.fd, b)
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := waitWritable(fd, writeTimeout); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		b = b[n:]
	}
	return nil
}

func (p *Process) CloseStdin() error {
	if p.stdin < 0 {
		return nil
	}
	err := unix.Close(p.stdin)
	p.stdin = -1
	return err
}

// Interrupt sends SIGINT to the child.
func (p *Process) Interrupt() error {
	return p.signal(p.pid, unix.SIGINT)
}

// Kill sends SIGKILL to the child's whole process group.
func (p *Process) Kill() error {
	return p.signal(-p.pid, unix.SIGKILL)
}

func (p *Process) signal(pid int, sig unix.Signal) error {
	if !p.Alive() {
		return nil
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Alive reaps the child if it has exited and reports whether it is still running.
func (p *Process) Alive() bool {
	if p.exited {
		return false
	}
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.ECHILD) {
			// someone else reaped it, the status is lost
			p.exited = true
			p.status = 0xff00
			return false
		}
		if err != nil {
			p.log.Debugf("wait4 error: %s", err)
			return true
		}
		if wpid == p.pid {
			p.exited = true
			p.status = ws
			p.log.Debugw("process exited", "PID", p.pid, "ExitCode", p.ExitCode())
			return false
		}
		return true
	}
}

// Wait waits up to timeout for the child to exit. A negative timeout waits forever.
func (p *Process) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	for {
		if !p.Alive() {
			return true
		}
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			if backoff > remaining {
				backoff = remaining
			}
		}
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

// ExitCode returns the exit status, -1 if the process was killed by a signal,
// or -1 if it is still running.
func (p *Process) ExitCode() int {
	if !p.exited || !p.status.Exited() {
		return -1
	}
	return p.status.ExitStatus()
}

// Signaled returns the signal that terminated the process, if any.
func (p *Process) Signaled() (unix.Signal, bool) {
	if !p.exited || !p.status.Signaled() {
		return 0, false
	}
	return p.status.Signal(), true
}

// Close releases every parent-side descriptor. It does not touch the child.
func (p *Process) Close() error {
	var errs []error
	if err := p.CloseStdin(); err != nil {
		errs = append(errs, err)
	}
	for _, s := range []*Stream{p.Stdout, p.Stderr, p.Control} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
