package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"github.com/guseggert/callsess/control"
	"github.com/guseggert/callsess/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startShellSession starts a shell script as the worker, for exercising control messages the Go
// worker runtime never sends.
func startShellSession(t *testing.T, ctx context.Context, script string, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithWorker("/bin/sh", "-c", script), WithWaitTimeout(10 * time.Second)}, opts...)
	s, err := Start(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(time.Second) })
	return s
}

func TestControlChannelClosedDuringCall(t *testing.T) {
	ctx := testCtx(t)
	s := startShellSession(t, ctx, `echo "201 ready" >&3; read l <&3; exec 3>&-; exec sleep 30`)

	res, err := s.RunWithOutput(ctx, "add", 1, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, control.CodeDisconnected, res.Code)
	assert.Equal(t, call.KindDisconnected, res.Error.Kind)
	assert.Equal(t, "add", res.Error.Func)
	assert.Equal(t, res.CallID, res.Error.CallID)
	require.ErrorIs(t, res.Err(), ErrCrashed)
	assert.Equal(t, Finished, s.State())

	require.ErrorIs(t, s.Call("add", 1, 2), ErrFinished)
}

func TestCrashReportPayload(t *testing.T) {
	ctx := testCtx(t)
	b, err := codec.Default().Marshal(&call.RemoteError{
		Kind:    call.KindCrash,
		Message: "segmentation fault in native code",
		Func:    "native_step",
	})
	require.NoError(t, err)
	crash := strings.TrimSpace(string(control.NewPayloadMessage(control.CodeCrashed, b).Line()))

	s := startShellSession(t, ctx,
		`echo "201 ready" >&3; read l <&3; echo "$CRASH_REPORT" >&3; exit 3`,
		WithEnv("CRASH_REPORT="+crash),
	)

	res, err := s.RunWithOutput(ctx, "add", 1, 2)
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, control.CodeCrashed, res.Code)
	assert.Equal(t, call.KindCrash, res.Error.Kind)
	assert.Equal(t, "segmentation fault in native code", res.Error.Message)
	assert.Equal(t, "native_step", res.Error.Func, "the reported function wins over the submitted one")
	assert.Equal(t, res.CallID, res.Error.CallID)
	assert.Equal(t, Finished, s.State())
}

func TestConditionDuringStartup(t *testing.T) {
	var got []*relay.Condition
	ctx := relay.WithHandler(testCtx(t), "", func(_ context.Context, c *relay.Condition) relay.Action {
		got = append(got, c)
		return relay.Muffle
	})
	s := startShellSession(t, ctx, `echo "301 loading libraries" >&3; echo "201 ready" >&3; exec sleep 30`)

	assert.Equal(t, Idle, s.State())
	require.Len(t, got, 1)
	assert.Equal(t, relay.KindMessage, got[0].Kind)
	assert.Equal(t, "loading libraries", got[0].Message)
	assert.Empty(t, got[0].CallID)
}

func TestUndecodableResult(t *testing.T) {
	ctx := testCtx(t)
	// answers each call by writing garbage to the result path named in the expectation
	s := startShellSession(t, ctx, `echo "201 ready" >&3
while read l <&3; do
	p=${l##* }
	printf 'not a valid outcome' > "$p"
	echo "200 $p" >&3
done`)

	for i := 0; i < 2; i++ {
		res, err := s.RunWithOutput(ctx, "add", 1, 2)
		require.NoError(t, err)
		require.NotNil(t, res.Error)
		assert.Equal(t, control.CodeDone, res.Code)
		assert.Equal(t, call.KindDecode, res.Error.Kind)
		assert.Equal(t, "add", res.Error.Func)
		assert.Contains(t, res.Error.Message, "decoding outcome")
		assert.Equal(t, Idle, s.State(), "a bad result file does not end the session")
	}
}
