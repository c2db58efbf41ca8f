package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"github.com/guseggert/callsess/control"
	"go.uber.org/zap"
)

// Runtime is the per-worker context. Every instruction and builtin is evaluated against it,
// there is no package-level state.
type Runtime struct {
	log       *zap.SugaredLogger
	codec     codec.Codec
	errorMode call.ErrorMode
	libPaths  []string
	noCapture bool

	stdin      io.Reader
	control    io.ReadWriter
	controlIn  *bufio.Reader
	controlMut sync.Mutex

	// REPL output. Captured calls write to fd 1 and 2 directly.
	stdout io.Writer
	stderr io.Writer

	funcs map[string]*function

	// globals holds REPL variables as JSON.
	globals map[string][]byte
	dump    *Dump
	// preserveDump is set while a builtin evaluates user code.
	preserveDump bool

	interrupts chan os.Signal
}

// New builds a runtime configured from the environment the supervisor set up.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		log:        zap.NewNop().Sugar(),
		funcs:      map[string]*function{},
		globals:    map[string][]byte{},
		interrupts: make(chan os.Signal, 1),
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}

	c, err := codec.ByName(os.Getenv(call.EnvCodec))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", call.EnvCodec, err)
	}
	rt.codec = c

	mode, err := call.ParseErrorMode(os.Getenv(call.EnvErrorMode))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", call.EnvErrorMode, err)
	}
	rt.errorMode = mode

	if lp := os.Getenv(call.EnvLibPath); lp != "" {
		rt.libPaths = filepath.SplitList(lp)
	}

	for _, o := range opts {
		o(rt)
	}

	if rt.stdin == nil {
		rt.stdin = os.Stdin
	}
	if rt.control == nil {
		fdStr := os.Getenv(call.EnvControlFD)
		if fdStr == "" {
			return nil, fmt.Errorf("%s is not set, is this process running under a supervisor?", call.EnvControlFD)
		}
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", call.EnvControlFD, err)
		}
		rt.control = os.NewFile(uintptr(fd), "control")
	}
	rt.controlIn = bufio.NewReader(rt.control)

	rt.registerBuiltins()
	return rt, nil
}

// LibPaths returns the library paths the supervisor configured.
func (rt *Runtime) LibPaths() []string { return rt.libPaths }

// Register makes fn callable under name.
func (rt *Runtime) Register(name string, fn any) error {
	if name == "" {
		return errors.New("empty function name")
	}
	f, err := newFunction(name, fn)
	if err != nil {
		return fmt.Errorf("registering %q: %w", name, err)
	}
	rt.funcs[name] = f
	return nil
}

func (rt *Runtime) MustRegister(name string, fn any) {
	if err := rt.Register(name, fn); err != nil {
		panic(err)
	}
}

func (rt *Runtime) send(msg control.Message) error {
	rt.controlMut.Lock()
	defer rt.controlMut.Unlock()
	_, err := rt.control.Write(msg.Line())
	return err
}

// Main serves until stdin is closed and then exits the process, with status 1 if serving failed.
func (rt *Runtime) Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %s\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Serve announces readiness and processes stdin until EOF or ctx is done.
func (rt *Runtime) Serve(ctx context.Context) error {
	signal.Notify(rt.interrupts, syscall.SIGINT)
	defer signal.Stop(rt.interrupts)

	if err := rt.send(control.Message{Code: control.CodeReady, Text: "ready to go"}); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}
	rt.log.Debugw("worker ready", "Codec", rt.codec.Name(), "ErrorMode", rt.errorMode)

	in := bufio.NewReader(rt.stdin)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := in.ReadString('\n')
		if line != "" {
			if herr := rt.handleLine(ctx, line); herr != nil {
				return herr
			}
		}
		if errors.Is(err, io.EOF) {
			rt.log.Debug("stdin closed, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
	}
}

func (rt *Runtime) handleLine(ctx context.Context, line string) error {
	if path, ok := call.ParseLine(line); ok {
		return rt.runInstruction(ctx, path)
	}
	rt.evalLine(ctx, strings.TrimSpace(line))
	rt.dropInterrupts()
	return rt.send(control.Message{Code: control.CodeAttachDone, Text: "done"})
}

// crash reports a failure that prevents delivering an outcome, and returns it for Serve to exit with.
func (rt *Runtime) crash(ins *call.Instruction, err error) error {
	rerr := &call.RemoteError{Kind: call.KindCrash, Message: err.Error()}
	if ins != nil {
		rerr.Func = ins.Func
		rerr.CallID = ins.ID
	}
	b, merr := rt.codec.Marshal(rerr)
	if merr == nil {
		_ = rt.send(control.NewPayloadMessage(control.CodeCrashed, b))
	}
	return err
}

func (rt *Runtime) runInstruction(ctx context.Context, path string) error {
	ins, err := call.Decode(rt.codec, path)
	if err != nil {
		return rt.crash(nil, err)
	}
	rt.awaitExpectation(ins)

	log := rt.log.With("CallID", ins.ID, "Func", ins.Func)
	log.Debug("running call")

	restore, err := rt.capture(ins.StdoutPath, ins.StderrPath)
	if err != nil {
		log.Debugf("capturing output: %s", err)
		restore = func() {}
	}
	out := rt.invoke(ctx, ins.ID, ins.Func, len(ins.Args), func(i int, dst any) error {
		return rt.codec.Unmarshal(ins.Args[i], dst)
	})
	restore()

	if err := call.WriteOutcome(rt.codec, ins.ResultPath, out); err != nil {
		return rt.crash(ins, err)
	}
	rt.dropInterrupts()
	return rt.send(control.Message{Code: control.CodeDone, Text: ins.ResultPath})
}

// awaitExpectation consumes the marker the supervisor sends after each instruction.
func (rt *Runtime) awaitExpectation(ins *call.Instruction) {
	line, err := rt.controlIn.ReadString('\n')
	if err != nil {
		rt.log.Debugf("reading expectation marker: %s", err)
		return
	}
	msg, err := control.Parse(line)
	if err != nil || msg.Code != control.CodeExpect || !strings.HasSuffix(msg.Text, ins.ResultPath) {
		rt.log.Warnw("unexpected control message", "Line", line, "ResultPath", ins.ResultPath)
	}
}

// invoke runs a registered function and turns whatever happens into an outcome.
func (rt *Runtime) invoke(ctx context.Context, id, name string, nargs int, decode func(int, any) error) call.Outcome {
	f, ok := rt.funcs[name]
	if !ok {
		return call.Outcome{Error: &call.RemoteError{
			Kind:    call.KindUnknownFunc,
			Message: fmt.Sprintf("no function named %q is registered", name),
			Func:    name,
			CallID:  id,
		}}
	}

	val, rerr := rt.runInterruptible(ctx, func(c *Call) (any, *call.RemoteError) {
		c.ID = id
		return f.invoke(c, nargs, decode)
	})
	if rerr != nil {
		rerr.Func = name
		rerr.CallID = id
		rt.recordFailure(f, rerr)
		return call.Outcome{Error: rerr}
	}

	b, err := rt.codec.Marshal(val)
	if err != nil {
		return call.Outcome{Error: &call.RemoteError{
			Kind:    call.KindDecode,
			Message: fmt.Sprintf("encoding result: %s", err),
			Func:    name,
			CallID:  id,
		}}
	}
	return call.Outcome{Value: b}
}

// dropInterrupts discards interrupts meant for the line that just finished. It runs before the
// completion is sent, so any interrupt that arrives later belongs to the next line.
func (rt *Runtime) dropInterrupts() {
	for {
		select {
		case <-rt.interrupts:
		default:
			return
		}
	}
}

// runInterruptible runs fn in a fresh evaluation frame. SIGINT cancels the frame's context, and the
// outcome then becomes an interrupt error once fn returns.
func (rt *Runtime) runInterruptible(ctx context.Context, fn func(c *Call) (any, *call.RemoteError)) (any, *call.RemoteError) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &Call{ctx: callCtx, rt: rt}

	type result struct {
		val  any
		rerr *call.RemoteError
	}
	done := make(chan result, 1)
	go func() {
		val, rerr := fn(c)
		done <- result{val: val, rerr: rerr}
	}()

	interrupted := false
	for {
		select {
		case <-rt.interrupts:
			rt.log.Debug("interrupt received, cancelling call")
			interrupted = true
			cancel()
			continue
		case res := <-done:
			if interrupted {
				return nil, &call.RemoteError{Kind: call.KindInterrupt, Message: "interrupted"}
			}
			return res.val, res.rerr
		}
	}
}
