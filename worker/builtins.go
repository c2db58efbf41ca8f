package worker

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/guseggert/callsess/call"
)

// BuiltinPrefix namespaces the functions every worker provides.
const BuiltinPrefix = "callsess."

// Builtin function names.
const (
	BuiltinTraceback = BuiltinPrefix + "traceback"
	BuiltinDumpInfo  = BuiltinPrefix + "dump_info"
	BuiltinDebugEval = BuiltinPrefix + "debug_eval"
	BuiltinLibPaths  = BuiltinPrefix + "libpaths"
	BuiltinPing      = BuiltinPrefix + "ping"
)

var errNoDump = errors.New("no crash dump available")

func isBuiltin(name string) bool { return strings.HasPrefix(name, BuiltinPrefix) }

func (rt *Runtime) registerBuiltins() {
	rt.MustRegister(BuiltinTraceback, rt.traceback)
	rt.MustRegister(BuiltinDumpInfo, rt.dumpInfo)
	rt.MustRegister(BuiltinDebugEval, rt.debugEval)
	rt.MustRegister(BuiltinLibPaths, func() []string { return rt.LibPaths() })
	rt.MustRegister(BuiltinPing, func() string { return "pong" })
}

// traceback returns the frames of the last crash dump without their variables.
func (rt *Runtime) traceback() ([]call.Frame, error) {
	if rt.dump == nil {
		return nil, errNoDump
	}
	frames := make([]call.Frame, len(rt.dump.Frames))
	for i, f := range rt.dump.Frames {
		f.Vars = nil
		frames[i] = f
	}
	return frames, nil
}

func (rt *Runtime) dumpInfo() DumpInfo {
	if rt.dump == nil {
		return DumpInfo{}
	}
	return DumpInfo{
		Available: true,
		CallID:    rt.dump.CallID,
		Func:      rt.dump.Func,
		Message:   rt.dump.Message,
		Frames:    len(rt.dump.Frames),
	}
}

// debugEval evaluates line inside a dump frame. Failures of the evaluated code leave the dump intact.
func (rt *Runtime) debugEval(c *Call, frame int, line string) (any, error) {
	rt.preserveDump = true
	defer func() { rt.preserveDump = false }()

	b, err := rt.eval(c.Context(), frame, line)
	if err != nil || b == nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
