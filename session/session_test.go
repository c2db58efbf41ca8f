package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"github.com/guseggert/callsess/control"
	"github.com/guseggert/callsess/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newUnstartedSession builds a session without a worker, for exercising dispatch directly.
func newUnstartedSession() *Session {
	return &Session{log: zap.NewNop().Sugar(), codec: codec.Default()}
}

func TestRun(t *testing.T) {
	s := startTestSession(t)
	ctx := testCtx(t)

	assert.Equal(t, Idle, s.State())

	v, err := s.Run(ctx, "add", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, v)

	sum, err := RunAs[int](ctx, s, "add", 40, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)

	echoed, err := RunAs[string](ctx, s, "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", echoed)

	assert.Equal(t, Idle, s.State())
}

func TestRunCodecs(t *testing.T) {
	for _, name := range []string{"cbor", "json", "cbor+zstd"} {
		t.Run(name, func(t *testing.T) {
			c, err := codec.ByName(name)
			require.NoError(t, err)
			s := startTestSession(t, WithCodec(c))

			sum, err := RunAs[int](testCtx(t), s, "add", 1, 2)
			require.NoError(t, err)
			assert.Equal(t, 3, sum)
		})
	}
}

func TestRunError(t *testing.T) {
	s := startTestSession(t)
	ctx := testCtx(t)

	v, err := s.Run(ctx, "fail", "boom")
	require.ErrorContains(t, err, "boom")
	assert.Nil(t, v)

	var rerr *call.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, call.KindError, rerr.Kind)
	assert.Equal(t, "fail", rerr.Func)
	assert.NotErrorIs(t, err, ErrCrashed)

	_, err = s.Run(ctx, "nope")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, call.KindUnknownFunc, rerr.Kind)

	_, err = s.Run(ctx, "explode", 4)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, call.KindPanic, rerr.Kind)
	assert.Equal(t, "exploded on 4", rerr.Message)
	assert.NotEmpty(t, rerr.Stack)

	assert.Equal(t, Idle, s.State(), "call errors leave the session usable")
	_, err = s.Run(ctx, "add", 1, 1)
	require.NoError(t, err)
}

func TestRunWithOutput(t *testing.T) {
	s := startTestSession(t)

	res, err := s.RunWithOutput(testCtx(t), "print_then_fail", "bad")
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, "bad", res.Error.Message)
	assert.Equal(t, "some output\n", res.Stdout)
	assert.Equal(t, "some error output\n", res.Stderr)
	assert.Equal(t, control.CodeDone, res.Code)
	assert.Nil(t, res.Result)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "call artifacts are deleted once the result is read")
}

func TestCallPollRead(t *testing.T) {
	s := startTestSession(t)

	require.NoError(t, s.Call("sleep", 300))
	assert.Equal(t, Busy, s.State())
	pending := s.current.Paths

	err := s.Call("add", 1, 2)
	require.ErrorIs(t, err, ErrBusy)
	assert.EqualError(t, err, "session busy")
	assert.FileExists(t, pending.Instruction, "a rejected call leaves the pending call's artifacts alone")

	p, err := s.Poll(0)
	require.NoError(t, err)
	assert.Equal(t, PollTimeout, p)

	p, err = s.Poll(-1)
	require.NoError(t, err)
	require.Equal(t, PollReady, p)

	reply, err := s.Read()
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, control.CodeDone, reply.Message.Code)
	require.NotNil(t, reply.Result)
	assert.Nil(t, reply.Result.Error)
	assert.Equal(t, Idle, s.State())
	assert.NoFileExists(t, pending.Instruction)
	assert.NoFileExists(t, pending.Result)

	reply, err = s.Read()
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestPollZeroEventuallyReady(t *testing.T) {
	s := startTestSession(t)
	require.NoError(t, s.Call("add", 2, 3))

	deadline := time.Now().Add(10 * time.Second)
	for {
		p, err := s.Poll(0)
		require.NoError(t, err)
		if p == PollReady {
			break
		}
		require.True(t, time.Now().Before(deadline), "worker never finished")
		time.Sleep(5 * time.Millisecond)
	}

	reply, err := s.Read()
	require.NoError(t, err)
	require.NotNil(t, reply.Result)
	var v int
	require.NoError(t, reply.Result.Decode(&v))
	assert.Equal(t, 5, v)
}

func TestClose(t *testing.T) {
	s := startTestSession(t)
	dir := s.Dir()

	require.NoError(t, s.Close(time.Second))
	assert.Equal(t, Finished, s.State())
	assert.NoDirExists(t, dir)

	err := s.Call("add", 1, 2)
	require.ErrorIs(t, err, ErrFinished)
	assert.EqualError(t, err, "session finished")

	require.NoError(t, s.Close(time.Second))
	_, err = s.Poll(0)
	require.ErrorIs(t, err, ErrFinished)
}

func TestCloseKillsBusyWorker(t *testing.T) {
	s := startTestSession(t)
	require.NoError(t, s.Call("hang"))

	start := time.Now()
	require.NoError(t, s.Close(100*time.Millisecond))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, Finished, s.State())
	assert.False(t, s.proc.Alive())
}

func TestInterruptResponsiveCall(t *testing.T) {
	s := startTestSession(t)

	ctx, cancel := context.WithCancel(testCtx(t))
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := s.RunWithOutput(ctx, "sleep", 60_000)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	require.NotNil(t, res.Error)
	assert.Equal(t, call.KindInterrupt, res.Error.Kind)

	assert.Equal(t, Idle, s.State(), "a worker that honors the interrupt stays usable")
	sum, err := RunAs[int](testCtx(t), s, "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestInterruptRightAfterSubmit(t *testing.T) {
	s := startTestSession(t, WithInterruptGrace(2*time.Second))

	for _, delay := range []time.Duration{0, 20 * time.Microsecond, 50 * time.Microsecond, 100 * time.Microsecond} {
		for i := 0; i < 5; i++ {
			ctx, cancel := context.WithCancel(testCtx(t))
			time.AfterFunc(delay, cancel)

			res, err := s.RunWithOutput(ctx, "sleep", 60_000)
			require.ErrorIs(t, err, ErrInterrupted, "delay %s", delay)
			if res != nil {
				require.NotNil(t, res.Error)
				assert.Equal(t, call.KindInterrupt, res.Error.Kind)
			}
			require.Equal(t, Idle, s.State(), "delay %s run %d", delay, i)
			cancel()
		}
	}

	sum, err := RunAs[int](testCtx(t), s, "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, sum)
}

func TestRunWithCancelledContext(t *testing.T) {
	s := startTestSession(t)
	ctx, cancel := context.WithCancel(testCtx(t))
	cancel()

	res, err := s.RunWithOutput(ctx, "add", 1, 2)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Equal(t, Idle, s.State())
	assert.False(t, s.RunningTime().HasCall, "nothing was submitted")
}

func TestInterruptUnresponsiveCall(t *testing.T) {
	grace := 300 * time.Millisecond
	s := startTestSession(t, WithInterruptGrace(grace))

	ctx, cancel := context.WithTimeout(testCtx(t), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := s.RunWithOutput(ctx, "hang")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, res)
	assert.Less(t, elapsed, 100*time.Millisecond+grace+killWait)
	assert.Equal(t, Finished, s.State())
	assert.False(t, s.proc.Alive())

	err = s.Call("add", 1, 2)
	require.ErrorIs(t, err, ErrFinished)
}

func TestWorkerExit(t *testing.T) {
	cases := []struct {
		code int
		kind string
	}{
		{code: 0, kind: call.KindExited},
		{code: 3, kind: call.KindCrash},
	}
	for _, c := range cases {
		t.Run(c.kind, func(t *testing.T) {
			s := startTestSession(t)

			_, err := s.Run(testCtx(t), "exit", c.code)
			require.ErrorIs(t, err, ErrCrashed)
			var rerr *call.RemoteError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, c.kind, rerr.Kind)
			assert.Equal(t, "exit", rerr.Func)
			assert.Equal(t, Finished, s.State())

			_, err = s.Read()
			require.ErrorIs(t, err, ErrFinished)
		})
	}
}

func TestConditions(t *testing.T) {
	s := startTestSession(t)

	var got []*relay.Condition
	ctx := relay.WithHandler(testCtx(t), relay.KindProgress, func(_ context.Context, c *relay.Condition) relay.Action {
		got = append(got, c)
		return relay.Muffle
	})

	n, err := RunAs[int](ctx, s, "progress", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, relay.KindProgress, c.Kind)
		assert.Equal(t, "step", c.Message)
		assert.EqualValues(t, i+1, c.Data["done"])
		assert.NotEmpty(t, c.CallID)
	}
}

func TestStartNoWait(t *testing.T) {
	s := startTestSession(t, WithWait(false))
	assert.Equal(t, Starting, s.State())
	require.ErrorIs(t, s.Call("add", 1, 2), ErrNotReady)

	p, err := s.Poll(-1)
	require.NoError(t, err)
	require.Equal(t, PollReady, p)
	reply, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, control.CodeReady, reply.Message.Code)
	assert.Equal(t, Idle, s.State())
}

func TestStartupFailure(t *testing.T) {
	t.Run("worker exits", func(t *testing.T) {
		_, err := Start(testCtx(t), WithWorker("/bin/sh", "-c", "echo no handshake >&2; exit 4"))
		require.ErrorIs(t, err, ErrStartup)
		var serr *StartupError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, 4, serr.ExitCode)
		assert.Contains(t, serr.Stderr, "no handshake")
	})
	t.Run("worker never becomes ready", func(t *testing.T) {
		start := time.Now()
		_, err := Start(testCtx(t), WithWorker("/bin/sh", "-c", "echo hi; exec sleep 30"), WithWaitTimeout(200*time.Millisecond))
		require.ErrorIs(t, err, ErrStartup)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		var serr *StartupError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "hi\n", serr.Stdout)
		assert.Less(t, time.Since(start), 5*time.Second)
	})
	t.Run("missing binary", func(t *testing.T) {
		_, err := Start(testCtx(t), WithWorker(filepath.Join(t.TempDir(), "missing")))
		require.ErrorContains(t, err, "spawning worker")
	})
}

func TestRedirect(t *testing.T) {
	dir := t.TempDir()
	stdoutFile := filepath.Join(dir, "stdout")
	s := startTestSession(t, WithRedirect(stdoutFile, ""))

	res, err := s.RunWithOutput(testCtx(t), "print_then_fail", "x")
	require.NoError(t, err)
	assert.Empty(t, res.Stdout, "redirected output is not captured per call")
	assert.Equal(t, "some error output\n", res.Stderr)

	b, err := os.ReadFile(stdoutFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "some output")
}

func TestLibPaths(t *testing.T) {
	s := startTestSession(t, WithLibPaths("/opt/a", "/opt/b"))
	paths, err := RunAs[[]string](testCtx(t), s, "callsess.libpaths")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/a", "/opt/b"}, paths)
}

func TestRunningTime(t *testing.T) {
	s := startTestSession(t)
	rt := s.RunningTime()
	assert.False(t, rt.HasCall)
	assert.Positive(t, rt.Total)

	_, err := s.Run(testCtx(t), "sleep", 50)
	require.NoError(t, err)
	rt = s.RunningTime()
	assert.True(t, rt.HasCall)
	assert.GreaterOrEqual(t, rt.Call, 50*time.Millisecond)
	assert.GreaterOrEqual(t, rt.Total, rt.Call)
}

func TestAttachPrimitives(t *testing.T) {
	s := startTestSession(t)
	ctx := testCtx(t)

	require.NoError(t, s.SendInput("x = add(20, 22)"))
	assert.Equal(t, Busy, s.State())
	require.ErrorIs(t, s.SendInput("$x"), ErrBusy)

	var stdout, stderr bytes.Buffer
	require.NoError(t, s.WaitAttach(ctx, &stdout, &stderr))
	assert.Equal(t, Idle, s.State())

	require.NoError(t, s.SendInput("$x"))
	require.NoError(t, s.WaitAttach(ctx, &stdout, &stderr))
	require.NoError(t, s.SendInput("$nope"))
	require.NoError(t, s.WaitAttach(ctx, &stdout, &stderr))

	assert.Equal(t, "42\n", stdout.String())
	assert.Contains(t, stderr.String(), "undefined variable $nope")

	require.Error(t, s.SendInput("@call /tmp/x"))
}

func TestProtocolErrors(t *testing.T) {
	cases := []struct {
		name   string
		state  State
		msg    control.Message
		reason string
	}{
		{name: "unknown code", state: Idle, msg: control.Message{Code: 999, Text: "what"}, reason: "unknown code"},
		{name: "expect from worker", state: Busy, msg: control.Message{Code: control.CodeExpect, Text: "/tmp/x"}, reason: "code is only sent by the supervisor"},
		{name: "done while idle", state: Idle, msg: control.Message{Code: control.CodeDone, Text: "/tmp/x"}, reason: "unexpected code"},
		{name: "ready while busy", state: Busy, msg: control.Message{Code: control.CodeReady}, reason: "unexpected code"},
		{name: "condition while idle", state: Idle, msg: control.Message{Code: control.CodeCondition, Text: "hi"}, reason: "unexpected code"},
		{name: "done without call", state: Busy, msg: control.Message{Code: control.CodeDone, Text: "/tmp/x"}, reason: "completion without a pending call"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newUnstartedSession()
			s.state = c.state

			_, err := s.dispatch(c.msg)
			require.ErrorIs(t, err, ErrProtocol)
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, c.state, perr.State)
			assert.Equal(t, c.reason, perr.Reason)

			require.ErrorIs(t, s.Call("add"), ErrProtocol, "a session with a protocol error refuses calls")
		})
	}
}

func TestDispatchTransitions(t *testing.T) {
	s := newUnstartedSession()
	s.state = Starting

	reply, err := s.dispatch(control.Message{Code: control.CodeCondition, Text: "loading"})
	require.NoError(t, err)
	require.NotNil(t, reply.Condition)
	assert.Equal(t, "loading", reply.Condition.Message)
	assert.Equal(t, Starting, s.State())

	_, err = s.dispatch(control.Message{Code: control.CodeReady, Text: "ready to go"})
	require.NoError(t, err)
	assert.Equal(t, Idle, s.State())

	_, err = s.dispatch(control.Message{Code: control.CodeAttachDone, Text: "done"})
	require.NoError(t, err)
	assert.Equal(t, Idle, s.State())

	reply, err = s.dispatch(control.Message{Code: control.CodeExited, Text: "bye"})
	require.NoError(t, err)
	assert.Nil(t, reply.Result)
	assert.Equal(t, Finished, s.State())

	_, err = s.dispatch(control.Message{Code: control.CodeExited, Text: "bye"})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestStateTransitions(t *testing.T) {
	for from, tos := range map[State][]State{
		Starting: {Idle, Finished},
		Idle:     {Busy, Finished},
		Busy:     {Idle, Finished},
	} {
		for _, to := range tos {
			assert.True(t, from.canTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, Starting.canTransition(Busy))
	assert.False(t, Finished.canTransition(Idle))
	assert.False(t, Finished.canTransition(Busy))
	assert.Equal(t, "busy", Busy.String())
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("cause")
	serr := &StartupError{Err: cause, Stderr: "oops"}
	assert.ErrorIs(t, serr, ErrStartup)
	assert.ErrorIs(t, serr, cause)
	assert.Contains(t, serr.Error(), "stderr:\noops")

	res := &CallResult{Code: control.CodeCrashed, Error: &call.RemoteError{Kind: call.KindCrash, Message: "gone"}}
	assert.ErrorIs(t, res.Err(), ErrCrashed)
}
