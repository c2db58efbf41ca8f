package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/guseggert/callsess/session"
	"github.com/guseggert/callsess/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const testWorkerEnv = "CALLSESS_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnv) == "1" {
		rt, err := worker.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "starting test worker: %s\n", err)
			os.Exit(2)
		}
		rt.MustRegister("add", func(a, b int) int { return a + b })
		rt.MustRegister("fail", func(msg string) error { return errors.New(msg) })
		rt.MustRegister("shout", func(s string) string {
			fmt.Println(s + "!")
			return s
		})
		rt.MustRegister("keys", func(m map[string]int) int { return len(m) })
		rt.MustRegister("sleep", func(c *worker.Call, ms int) error {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil
			case <-c.Context().Done():
				return c.Context().Err()
			}
		})
		rt.Main()
		return
	}
	os.Exit(m.Run())
}

type testServer struct {
	sess   *session.Session
	client *Client
}

func newTestServer(t *testing.T) *testServer {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	sess, err := session.Start(ctx,
		session.WithWorker(os.Args[0]),
		session.WithEnv(testWorkerEnv+"=1"),
		session.WithWaitTimeout(10*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close(time.Second) })

	srv := New(sess, WithLogger(zap.NewNop()), WithCloseGrace(time.Second))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		sess:   sess,
		client: NewClient(ts.URL, WithClientRetryMax(2)),
	}
}

func TestRun(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	resp, err := ts.client.Run(ctx, "add", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.Equal(t, "add", resp.Func)
	assert.NotEmpty(t, resp.CallID)
	assert.Nil(t, resp.Error)
	assert.EqualValues(t, 3, resp.Value)

	resp, err = ts.client.Run(ctx, "keys", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.Value)

	resp, err = ts.client.Run(ctx, "shout", "hey")
	require.NoError(t, err)
	assert.Equal(t, "hey", resp.Value)
	assert.Equal(t, "hey!\n", resp.Stdout)
}

func TestRunFailure(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	resp, err := ts.client.Run(ctx, "fail", "boom")
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "boom", resp.Error.Message)
	assert.Equal(t, "fail", resp.Error.Func)
	assert.Nil(t, resp.Value)

	// the session is still usable
	resp, err = ts.client.Run(ctx, "add", 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 4, resp.Value)
}

func TestRunBadRequest(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.client.Run(ctx, "")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, "request contained no function", statusErr.Message)
}

func TestConcurrentRuns(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 5; i++ {
		i := i
		group.Go(func() error {
			resp, err := ts.client.Run(groupCtx, "add", i, i)
			if err != nil {
				return err
			}
			if v, ok := resp.Value.(float64); !ok || int(v) != 2*i {
				return fmt.Errorf("add(%d, %d) returned %v", i, i, resp.Value)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestState(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	state, err := ts.client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.sess.ID(), state.SessionID)
	assert.Equal(t, "idle", state.State)
	assert.Equal(t, ts.sess.Pid(), state.PID)
	assert.False(t, state.HasCall)

	_, err = ts.client.Run(ctx, "add", 1, 1)
	require.NoError(t, err)
	state, err = ts.client.State(ctx)
	require.NoError(t, err)
	assert.True(t, state.HasCall)
}

func TestClose(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.client.Close(ctx))
	assert.Equal(t, session.Finished, ts.sess.State())

	_, err := ts.client.Run(ctx, "add", 1, 1)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusGone, statusErr.Code)
}

func TestStateAndCloseDuringRun(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	runErr := make(chan error, 1)
	go func() {
		_, err := ts.client.Run(ctx, "sleep", 60_000)
		runErr <- err
	}()

	require.Eventually(t, func() bool {
		stateCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		state, err := ts.client.State(stateCtx)
		return err == nil && state.State == "busy" && state.HasCall
	}, 5*time.Second, 20*time.Millisecond, "state answers while a call is running")

	start := time.Now()
	require.NoError(t, ts.client.Close(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)

	select {
	case err := <-runErr:
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusRequestTimeout, statusErr.Code)
	case <-time.After(10 * time.Second):
		t.Fatal("run was not interrupted by close")
	}

	state, err := ts.client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "finished", state.State)
}

func TestAttach(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := ts.client.Attach(ctx)
	require.NoError(t, err)
	defer conn.Close()

	var stdout, stderr bytes.Buffer
	require.NoError(t, conn.Eval(ctx, "add(2, 3)", &stdout, &stderr))
	assert.Equal(t, "5\n", stdout.String())

	stdout.Reset()
	require.NoError(t, conn.Eval(ctx, "x = add(1, 1)", &stdout, &stderr))
	require.NoError(t, conn.Eval(ctx, "$x", &stdout, &stderr))
	assert.Equal(t, "2\n", stdout.String())

	require.NoError(t, conn.Eval(ctx, `fail("nope")`, &stdout, &stderr))
	assert.Equal(t, "error: in fail: nope\n", stderr.String())

	err = conn.Eval(ctx, `@call x`, &stdout, &stderr)
	require.Error(t, err)

	// runs still work after attaching
	resp, err := ts.client.Run(ctx, "add", 3, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 6, resp.Value)
}

func TestRunServer(t *testing.T) {
	ts := newTestServer(t)
	srv := New(ts.sess, WithListenAddr("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(ctx, 10*time.Second)
	defer addrCancel()
	addr, err := srv.Addr(addrCtx)
	require.NoError(t, err)

	client := NewClient(addr)
	resp, err := client.Run(ctx, "add", 4, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 9, resp.Value)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestDecodeArgs(t *testing.T) {
	args, err := DecodeArgs([]json.RawMessage{
		json.RawMessage(`1`),
		json.RawMessage(`1.5`),
		json.RawMessage(`"s"`),
		json.RawMessage(`[1, {"a": 2}]`),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{
		int64(1),
		1.5,
		"s",
		[]any{int64(1), map[string]any{"a": int64(2)}},
	}, args)

	_, err = DecodeArgs([]json.RawMessage{json.RawMessage(`{`)})
	require.ErrorContains(t, err, "decoding argument 0")
}
