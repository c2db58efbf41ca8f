package worker

import (
	"time"

	"github.com/guseggert/callsess/call"
)

// Dump is the post-mortem state of the most recent failed call.
type Dump struct {
	CallID  string
	Func    string
	Message string
	Frames  []call.Frame
	Time    time.Time
}

// DumpInfo summarizes the current dump for the supervisor.
type DumpInfo struct {
	Available bool
	CallID    string
	Func      string
	Message   string
	Frames    int
}

// recordFailure trims the stack to the error mode and keeps a dump when asked to.
// Failures of builtins never replace the dump, so debugging a dump cannot destroy it.
func (rt *Runtime) recordFailure(f *function, rerr *call.RemoteError) {
	if isBuiltin(f.name) || rt.preserveDump {
		rerr.Stack = nil
		return
	}
	if rt.errorMode == call.ModeDump && len(rerr.Stack) > 0 {
		rt.dump = &Dump{
			CallID:  rerr.CallID,
			Func:    rerr.Func,
			Message: rerr.Message,
			Frames:  rerr.Stack,
			Time:    time.Now(),
		}
	}
	if rt.errorMode == call.ModePlain {
		rerr.Stack = nil
		return
	}
	// variables stay in the worker, the supervisor only gets locations
	stack := make([]call.Frame, len(rerr.Stack))
	for i, fr := range rerr.Stack {
		fr.Vars = nil
		stack[i] = fr
	}
	rerr.Stack = stack
}
