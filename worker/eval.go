package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/guseggert/callsess/call"
)

// GlobalFrame selects the REPL's global variables instead of a crash dump frame.
const GlobalFrame = -1

var (
	assignRe = regexp.MustCompile(`^([A-Za-z_]\w*)\s*=\s*(.+)$`)
	callRe   = regexp.MustCompile(`^([A-Za-z_][\w.]*)\s*\((.*)\)$`)
	varRe    = regexp.MustCompile(`^\$([A-Za-z_]\w*)$`)
)

func jsonValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

// evalLine evaluates one raw REPL line in the global frame, printing the result or the error.
func (rt *Runtime) evalLine(ctx context.Context, line string) {
	if line == "" {
		return
	}
	v, err := rt.eval(ctx, GlobalFrame, line)
	if err != nil {
		fmt.Fprintf(rt.stderr, "error: %s\n", err)
		return
	}
	if v != nil {
		fmt.Fprintf(rt.stdout, "%s\n", v)
	}
}

// frameVars returns the variables visible in frame.
func (rt *Runtime) frameVars(frame int) (map[string][]byte, error) {
	if frame == GlobalFrame {
		return rt.globals, nil
	}
	if rt.dump == nil {
		return nil, errNoDump
	}
	if frame < 0 || frame >= len(rt.dump.Frames) {
		return nil, fmt.Errorf("frame %d out of range (0-%d)", frame, len(rt.dump.Frames)-1)
	}
	vars := rt.dump.Frames[frame].Vars
	if vars == nil {
		vars = map[string][]byte{}
	}
	return vars, nil
}

// eval evaluates line with the variables of frame in scope and returns the result as JSON.
// Assignments always target the global frame and yield nil.
func (rt *Runtime) eval(ctx context.Context, frame int, line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	vars, err := rt.frameVars(frame)
	if err != nil {
		return nil, err
	}

	if m := assignRe.FindStringSubmatch(line); m != nil {
		v, err := rt.evalExpr(ctx, vars, m[2])
		if err != nil {
			return nil, err
		}
		if v == nil {
			v = []byte("null")
		}
		rt.globals[m[1]] = v
		return nil, nil
	}
	return rt.evalExpr(ctx, vars, line)
}

func (rt *Runtime) evalExpr(ctx context.Context, vars map[string][]byte, expr string) ([]byte, error) {
	expr = strings.TrimSpace(expr)

	if m := varRe.FindStringSubmatch(expr); m != nil {
		v, ok := vars[m[1]]
		if !ok {
			return nil, fmt.Errorf("undefined variable $%s", m[1])
		}
		return v, nil
	}

	if m := callRe.FindStringSubmatch(expr); m != nil {
		name, argText := m[1], strings.TrimSpace(m[2])
		if name == "ls" && argText == "" {
			names := make([]string, 0, len(vars))
			for k := range vars {
				names = append(names, k)
			}
			sort.Strings(names)
			return jsonValue(names)
		}
		args, err := substitute(argText, vars)
		if err != nil {
			return nil, err
		}
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte("["+args+"]"), &raw); err != nil {
			return nil, fmt.Errorf("parsing arguments: %w", err)
		}
		return rt.evalCall(ctx, name, raw)
	}

	lit, err := substitute(expr, vars)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(lit)) {
		return nil, fmt.Errorf("cannot evaluate %q", expr)
	}
	return []byte(lit), nil
}

func (rt *Runtime) evalCall(ctx context.Context, name string, args []json.RawMessage) ([]byte, error) {
	f, ok := rt.funcs[name]
	if !ok {
		return nil, fmt.Errorf("no function named %q is registered", name)
	}
	val, rerr := rt.runInterruptible(ctx, func(c *Call) (any, *call.RemoteError) {
		return f.invoke(c, len(args), func(i int, dst any) error {
			return json.Unmarshal(args[i], dst)
		})
	})
	if rerr != nil {
		rerr.Func = name
		rt.recordFailure(f, rerr)
		return nil, rerr
	}
	if val == nil {
		return nil, nil
	}
	return jsonValue(val)
}

// substitute replaces $name references outside of string literals with the JSON of the variable.
func substitute(s string, vars map[string][]byte) (string, error) {
	var sb strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inString:
			sb.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
		case ch == '"':
			inString = true
			sb.WriteByte(ch)
		case ch == '$':
			j := i + 1
			for j < len(s) && isIdentByte(s[j], j == i+1) {
				j++
			}
			name := s[i+1 : j]
			if name == "" {
				return "", fmt.Errorf("bare $ at offset %d", i)
			}
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("undefined variable $%s", name)
			}
			sb.Write(v)
			i = j - 1
		default:
			sb.WriteByte(ch)
		}
	}
	return sb.String(), nil
}

func isIdentByte(b byte, first bool) bool {
	switch {
	case b == '_', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return !first
	}
	return false
}
