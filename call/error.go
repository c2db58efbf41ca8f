package call

import (
	"fmt"
	"strings"
)

// Error kinds reported in RemoteError.Kind.
const (
	KindError        = "error"
	KindPanic        = "panic"
	KindInterrupt    = "interrupt"
	KindDecode       = "decode"
	KindUnknownFunc  = "unknown_function"
	KindCrash        = "crash"
	KindExited       = "exited"
	KindDisconnected = "disconnected"
)

// RemoteError is a structured error raised inside the worker, or synthesized by the
// supervisor when the worker died before delivering an outcome.
type RemoteError struct {
	Kind    string
	Message string
	Func    string
	CallID  string
	// Stack is only populated when the worker runs with a stack-reporting error mode.
	Stack []Frame
}

func (e *RemoteError) Error() string {
	if e.Func != "" {
		return fmt.Sprintf("in %s: %s", e.Func, e.Message)
	}
	return e.Message
}

// Frame is one captured stack frame. Vars is only set for frames the worker can
// describe, such as the entry frame of the failed call.
type Frame struct {
	Func string
	File string
	Line int
	Vars map[string][]byte `json:",omitempty"`
}

func (f Frame) String() string {
	if f.File == "" {
		return f.Func
	}
	return fmt.Sprintf("%s at %s:%d", f.Func, f.File, f.Line)
}

// FormatStack renders frames one per line, numbered from the outermost.
func FormatStack(frames []Frame) string {
	var sb strings.Builder
	for i, f := range frames {
		fmt.Fprintf(&sb, "%d: %s\n", i, f)
	}
	return sb.String()
}
