// Package session supervises one long-lived worker process and runs calls in it, one at a time.
//
// A Session owns the worker's process, a private temp dir for per-call artifacts, and the state
// machine driven by the worker's control channel. All waiting happens in poll(2) over the control
// channel, the worker's output streams and a wakeup pipe, on the caller's goroutine. A Session is
// not safe for concurrent use.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"github.com/guseggert/callsess/control"
	"github.com/guseggert/callsess/internal/procio"
	"github.com/guseggert/callsess/relay"
	"go.uber.org/zap"
)

const (
	defaultWaitTimeout    = 3 * time.Second
	defaultInterruptGrace = 2 * time.Second
	killWait              = 1 * time.Second
	// exitWait bounds how long a closed control channel may precede the worker's exit.
	exitWait = 500 * time.Millisecond
	// maxOutput caps the untracked output kept per stream.
	maxOutput = 1 << 20
)

type config struct {
	path     string
	args     []string
	env      []string
	dir      string
	libPaths []string

	errorMode  call.ErrorMode
	stdoutFile string
	stderrFile string

	wait           bool
	waitTimeout    time.Duration
	interruptGrace time.Duration
}

type PollResult int

const (
	PollTimeout PollResult = iota
	PollReady
)

func (p PollResult) String() string {
	if p == PollReady {
		return "ready"
	}
	return "timeout"
}

type Session struct {
	id     string
	logger *zap.Logger
	log    *zap.SugaredLogger
	cfg    config
	codec  codec.Codec

	proc    *procio.Process
	waker   *procio.Waker
	results *resultStore

	state         State
	startedAt     time.Time
	finishedAt    time.Time
	callStartedAt time.Time
	callEndedAt   time.Time
	current       *pendingCall
	broken        error
	closed        bool

	// output that no call captured, and where it goes while attached
	stdout, stderr   bytes.Buffer
	outSink, errSink io.Writer
}

// Start spawns the worker and, unless WithWait(false) is given, waits for it to become ready.
func Start(ctx context.Context, opts ...Option) (*Session, error) {
	s := &Session{
		id:     uuid.NewString(),
		logger: zap.NewNop(),
		codec:  codec.Default(),
		cfg: config{
			errorMode:      call.ModeDump,
			wait:           true,
			waitTimeout:    defaultWaitTimeout,
			interruptGrace: defaultInterruptGrace,
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.logger.Named("session").Sugar().With("SessionID", s.id)
	if s.cfg.path == "" {
		return nil, errors.New("no worker command configured")
	}

	results, err := newResultStore(s.codec, s.log)
	if err != nil {
		return nil, err
	}
	s.results = results

	s.waker, err = procio.NewWaker()
	if err != nil {
		results.Close()
		return nil, err
	}

	s.proc, err = procio.Spawn(procio.Spec{
		Path:       s.cfg.path,
		Args:       s.cfg.args,
		Env:        s.workerEnv(),
		Dir:        s.cfg.dir,
		StdoutFile: s.cfg.stdoutFile,
		StderrFile: s.cfg.stderrFile,
	}, s.logger.Named("procio").Sugar())
	if err != nil {
		s.waker.Close()
		results.Close()
		return nil, fmt.Errorf("spawning worker: %w", err)
	}
	s.state = Starting
	s.startedAt = time.Now()
	s.log.Debugw("started worker", "PID", s.proc.Pid(), "Path", s.cfg.path, "Codec", s.codec.Name())

	if !s.cfg.wait {
		return s, nil
	}
	if err := s.waitReady(ctx); err != nil {
		if cerr := s.Close(0); cerr != nil {
			s.log.Debugf("closing failed session: %s", cerr)
		}
		stdout, stderr := s.Output()
		return nil, &StartupError{Err: err, ExitCode: s.proc.ExitCode(), Stdout: stdout, Stderr: stderr}
	}
	return s, nil
}

func (s *Session) workerEnv() []string {
	env := []string{
		call.EnvControlFD + "=" + strconv.Itoa(procio.ControlFD),
		call.EnvCodec + "=" + s.codec.Name(),
		call.EnvErrorMode + "=" + string(s.cfg.errorMode),
	}
	if len(s.cfg.libPaths) > 0 {
		env = append(env, call.EnvLibPath+"="+strings.Join(s.cfg.libPaths, string(os.PathListSeparator)))
	}
	return append(env, s.cfg.env...)
}

// waitReady pumps the worker until it announces readiness, bounded by the wait timeout and ctx.
func (s *Session) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.waitTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, s.waker.Wake)
	defer stop()

	for {
		out, err := s.wait(-1, true)
		if err != nil {
			return err
		}
		if out == pollWoken {
			return fmt.Errorf("waiting for worker to become ready: %w", ctx.Err())
		}
		for {
			reply, err := s.Read()
			if err != nil {
				return err
			}
			if reply == nil {
				break
			}
			if reply.Condition != nil {
				relay.Dispatch(ctx, reply.Condition)
				continue
			}
			switch s.state {
			case Idle:
				s.log.Debugw("worker ready", "Startup", time.Since(s.startedAt))
				return nil
			case Finished:
				return fmt.Errorf("worker exited during startup: %s", reply.Message.Text)
			}
		}
	}
}

// Call submits fn(args...) to the worker and returns without waiting for it to finish.
func (s *Session) Call(fn string, args ...any) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	id := uuid.NewString()
	paths := s.results.paths(id, s.cfg.stdoutFile == "", s.cfg.stderrFile == "")

	line, err := call.Encode(s.codec, id, fn, args, paths)
	if err != nil {
		s.results.discard(paths)
		return fmt.Errorf("encoding call: %w", err)
	}
	if err := s.proc.WriteStdin(line); err != nil {
		s.results.discard(paths)
		return fmt.Errorf("writing instruction: %w", err)
	}
	expect := control.Message{Code: control.CodeExpect, Text: "start expecting code 200 at " + paths.Result}
	if err := s.proc.WriteControl(expect.Line()); err != nil {
		s.results.discard(paths)
		return fmt.Errorf("writing expectation: %w", err)
	}

	s.current = &pendingCall{ID: id, Func: fn, Paths: paths}
	s.state = Busy
	s.callStartedAt = time.Now()
	s.callEndedAt = time.Time{}
	s.log.Debugw("submitted call", "CallID", id, "Func", fn)
	return nil
}

func (s *Session) checkIdle() error {
	switch {
	case s.broken != nil:
		return s.broken
	case s.state == Busy:
		return ErrBusy
	case s.state == Finished:
		return ErrFinished
	case s.state == Starting:
		return ErrNotReady
	}
	return nil
}

// Poll waits up to timeout for a control message to become readable. A negative timeout waits
// forever. The message itself is left for Read.
func (s *Session) Poll(timeout time.Duration) (PollResult, error) {
	if s.closed {
		return PollTimeout, ErrFinished
	}
	out, err := s.wait(timeout, false)
	if err != nil {
		return PollTimeout, err
	}
	if out == pollReady {
		return PollReady, nil
	}
	return PollTimeout, nil
}

// Read reads and dispatches one control message without blocking. It returns nil if no message
// is available. When the control channel is closed, Read synthesizes the terminal message
// matching how the worker went away.
func (s *Session) Read() (*Reply, error) {
	if s.broken != nil {
		return nil, s.broken
	}
	if s.closed || s.state == Finished {
		return nil, ErrFinished
	}
	line, ok, err := s.proc.Control.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("reading control channel: %w", err)
	}
	if !ok {
		if !s.proc.Control.EOF() {
			return nil, nil
		}
		return s.dispatch(s.exitMessage())
	}
	msg, err := control.Parse(line)
	if err != nil {
		return nil, s.protocolError(control.Message{Text: line}, err.Error())
	}
	return s.dispatch(msg)
}

// exitMessage classifies a closed control channel by the worker's exit status.
func (s *Session) exitMessage() control.Message {
	if s.proc.Wait(exitWait) {
		code := s.proc.ExitCode()
		if code == 0 {
			return control.Message{Code: control.CodeExited, Text: "worker exited"}
		}
		if sig, ok := s.proc.Signaled(); ok {
			return control.Message{Code: control.CodeCrashed, Text: "worker killed by " + sig.String()}
		}
		return control.Message{Code: control.CodeCrashed, Text: fmt.Sprintf("worker exited with status %d", code)}
	}
	s.log.Debugw("control channel closed while worker is alive, killing", "PID", s.proc.Pid())
	if err := s.proc.Kill(); err != nil {
		s.log.Debugf("killing worker: %s", err)
	}
	s.proc.Wait(killWait)
	return control.Message{Code: control.CodeDisconnected, Text: "control channel closed while worker was alive"}
}

func (s *Session) setState(to State, msg control.Message) error {
	if to == s.state {
		return nil
	}
	if !s.state.canTransition(to) {
		return s.protocolError(msg, fmt.Sprintf("transition to %s", to))
	}
	s.state = to
	if to == Finished {
		s.finishedAt = time.Now()
	}
	return nil
}

func (s *Session) endCall() {
	s.current = nil
	s.callEndedAt = time.Now()
}

// finish moves to Finished from wherever the session is, dropping any in-flight call.
func (s *Session) finish() {
	if s.current != nil {
		s.results.discard(s.current.Paths)
		s.endCall()
	}
	if s.state != Finished {
		s.state = Finished
		s.finishedAt = time.Now()
	}
}

// forceKill kills the worker's process group and finishes the session.
func (s *Session) forceKill() error {
	if err := s.proc.Kill(); err != nil {
		s.log.Debugf("killing worker: %s", err)
	}
	if !s.proc.Wait(killWait) {
		return fmt.Errorf("%w: pid %d", ErrKillFailed, s.proc.Pid())
	}
	s.drainOutput()
	s.finish()
	return nil
}

// Close shuts the worker down: stdin is closed so it can exit on its own within grace, then it is killed.
// Close is idempotent.
func (s *Session) Close(grace time.Duration) error {
	if s.closed {
		return nil
	}
	if err := s.proc.CloseStdin(); err != nil {
		s.log.Debugf("closing stdin: %s", err)
	}

	deadline := time.Now().Add(grace)
	for s.proc.Alive() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		s.drainFor(min(remaining, 20*time.Millisecond))
	}
	if s.proc.Alive() {
		s.log.Debugw("worker did not exit, killing", "PID", s.proc.Pid(), "Grace", grace)
		if err := s.proc.Kill(); err != nil {
			s.log.Debugf("killing worker: %s", err)
		}
		if !s.proc.Wait(killWait) {
			return fmt.Errorf("%w: pid %d", ErrKillFailed, s.proc.Pid())
		}
	}
	s.drainOutput()

	s.finish()
	s.closed = true
	var errs []error
	if err := s.proc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing streams: %w", err))
	}
	if err := s.waker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing waker: %w", err))
	}
	if err := s.results.Close(); err != nil {
		errs = append(errs, fmt.Errorf("removing session dir: %w", err))
	}
	s.log.Debugw("closed session", "ExitCode", s.proc.ExitCode())
	return errors.Join(errs...)
}

// drainFor consumes output and control lines for up to d, without dispatching anything.
func (s *Session) drainFor(d time.Duration) {
	var streams []*procio.Stream
	for _, st := range []*procio.Stream{s.proc.Control, s.proc.Stdout, s.proc.Stderr} {
		if st != nil && !st.EOF() {
			streams = append(streams, st)
		}
	}
	ready, err := procio.Poll(d, streams...)
	if err != nil {
		s.log.Debugf("polling during shutdown: %s", err)
		return
	}
	for _, st := range ready {
		if st == s.proc.Control {
			if b, _ := st.ReadAvailable(); len(b) > 0 {
				s.log.Debugw("discarding control messages during shutdown", "Bytes", len(b))
			}
			continue
		}
		s.drain(st)
	}
}

type pollOutcome int

const (
	pollTimeout pollOutcome = iota
	pollReady
	pollWoken
)

// wait polls the control channel, draining the output streams along the way, until a complete
// control line is buffered, the timeout expires, or (if wake is set) the waker fires.
func (s *Session) wait(timeout time.Duration, wake bool) (pollOutcome, error) {
	deadline := time.Now().Add(timeout)
	for {
		streams := []*procio.Stream{s.proc.Control}
		for _, st := range []*procio.Stream{s.proc.Stdout, s.proc.Stderr} {
			if st != nil && !st.EOF() {
				streams = append(streams, st)
			}
		}
		if wake {
			streams = append(streams, s.waker.Stream())
		}

		remaining := timeout
		if timeout >= 0 {
			remaining = max(0, time.Until(deadline))
		}
		ready, err := procio.Poll(remaining, streams...)
		if err != nil {
			return pollTimeout, fmt.Errorf("polling worker: %w", err)
		}

		outcome := pollTimeout
		for _, st := range ready {
			switch st {
			case s.proc.Control:
				ok, err := st.Pending()
				if err != nil {
					return pollTimeout, fmt.Errorf("reading control channel: %w", err)
				}
				if ok {
					outcome = pollReady
				}
			case s.waker.Stream():
				if outcome != pollReady {
					outcome = pollWoken
				}
			default:
				s.drain(st)
			}
		}
		if outcome != pollTimeout {
			return outcome, nil
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return pollTimeout, nil
		}
	}
}

func (s *Session) drain(st *procio.Stream) {
	b, err := st.ReadAvailable()
	if err != nil {
		s.log.Debugf("reading %s: %s", st.Name(), err)
	}
	if len(b) == 0 {
		return
	}
	buf, sink := &s.stdout, s.outSink
	if st == s.proc.Stderr {
		buf, sink = &s.stderr, s.errSink
	}
	if sink != nil {
		if _, err := sink.Write(b); err != nil {
			s.log.Debugf("forwarding %s: %s", st.Name(), err)
		}
		return
	}
	buf.Write(b)
	if over := buf.Len() - maxOutput; over > 0 {
		buf.Next(over)
	}
}

func (s *Session) drainOutput() {
	for _, st := range []*procio.Stream{s.proc.Stdout, s.proc.Stderr} {
		if st != nil {
			s.drain(st)
		}
	}
}

// Output returns and clears the worker output that no call captured.
func (s *Session) Output() (stdout, stderr string) {
	stdout, stderr = s.stdout.String(), s.stderr.String()
	s.stdout.Reset()
	s.stderr.Reset()
	return stdout, stderr
}

func (s *Session) State() State { return s.state }

func (s *Session) ID() string { return s.id }

func (s *Session) Pid() int { return s.proc.Pid() }

func (s *Session) Codec() codec.Codec { return s.codec }

func (s *Session) Logger() *zap.SugaredLogger { return s.log }

// Dir is the session's private temp dir.
func (s *Session) Dir() string { return s.results.dir }

// Interrupt sends SIGINT to the worker. The running call, if any, sees its context cancelled.
func (s *Session) Interrupt() error {
	if s.closed {
		return ErrFinished
	}
	return s.proc.Interrupt()
}

// Kill force-kills the worker and finishes the session.
func (s *Session) Kill() error {
	if s.closed {
		return nil
	}
	return s.forceKill()
}

type RunningTime struct {
	Total time.Duration
	// Call is the duration of the current call, or of the last one if the session is idle.
	Call    time.Duration
	HasCall bool
}

func (s *Session) RunningTime() RunningTime {
	now := time.Now()
	end := now
	if !s.finishedAt.IsZero() {
		end = s.finishedAt
	}
	rt := RunningTime{Total: end.Sub(s.startedAt)}
	if !s.callStartedAt.IsZero() {
		callEnd := now
		if !s.callEndedAt.IsZero() {
			callEnd = s.callEndedAt
		}
		rt.Call = callEnd.Sub(s.callStartedAt)
		rt.HasCall = true
	}
	return rt
}
