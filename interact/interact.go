// Package interact provides post-mortem and interactive access to a session's worker.
package interact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/session"
	"github.com/guseggert/callsess/worker"
)

var ErrNoDump = errors.New("no crash dump available")

// Traceback returns the stack of the worker's last failed call, outermost frame first.
func Traceback(ctx context.Context, s *session.Session) ([]call.Frame, error) {
	frames, err := session.RunAs[[]call.Frame](ctx, s, worker.BuiltinTraceback)
	if err != nil {
		return nil, fmt.Errorf("fetching traceback: %w", err)
	}
	return frames, nil
}

const debugHelp = `commands:
  help       show this message
  where      show the stack, marking the selected frame
  frame N    select frame N
  global     select the global frame
  quit       leave the debugger
anything else is evaluated in the selected frame, e.g. $arg0, ls(), add(1, 2)
`

// Debug runs a post-mortem REPL over the worker's crash dump, reading commands from in until EOF,
// "quit", or ctx is done.
func Debug(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	info, err := session.RunAs[worker.DumpInfo](ctx, s, worker.BuiltinDumpInfo)
	if err != nil {
		return fmt.Errorf("fetching dump info: %w", err)
	}
	if !info.Available {
		return ErrNoDump
	}
	frames, err := Traceback(ctx, s)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "post-mortem of %s (call %s): %s\n", info.Func, info.CallID, info.Message)
	fmt.Fprint(out, formatFrames(frames, 0))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := NewLineReader(ctx, in)

	selected := 0
	for {
		fmt.Fprintf(out, "debug %s> ", frameLabel(selected))
		l, ok, err := lines.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		line := strings.TrimSpace(l)

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "":
		case "help":
			fmt.Fprint(out, debugHelp)
		case "where":
			fmt.Fprint(out, formatFrames(frames, selected))
		case "global":
			selected = worker.GlobalFrame
		case "quit", "exit":
			return nil
		case "frame":
			n, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil || n < 0 || n >= len(frames) {
				fmt.Fprintf(out, "no such frame %q (0-%d)\n", arg, len(frames)-1)
				continue
			}
			selected = n
			fmt.Fprintf(out, "%d: %s\n", n, frames[n])
		default:
			if err := evalIn(ctx, s, selected, line, out); err != nil {
				return err
			}
		}
	}
}

func evalIn(ctx context.Context, s *session.Session, frame int, line string, out io.Writer) error {
	res, err := s.RunWithOutput(ctx, worker.BuiltinDebugEval, frame, line)
	if err != nil {
		return err
	}
	fmt.Fprint(out, res.Stdout, res.Stderr)
	if res.Error != nil {
		fmt.Fprintf(out, "error: %s\n", res.Error.Message)
		return nil
	}
	v, err := res.Value()
	if err != nil {
		fmt.Fprintf(out, "error: decoding result: %s\n", err)
		return nil
	}
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(out, "%v\n", v)
		return nil
	}
	fmt.Fprintf(out, "%s\n", b)
	return nil
}

// Attach runs a raw REPL against the worker: each line from in is evaluated by the worker and its
// output is streamed to out and errOut.
func Attach(ctx context.Context, s *session.Session, in io.Reader, out, errOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := NewLineReader(ctx, in)

	for {
		fmt.Fprint(out, "> ")
		line, ok, err := lines.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.SendInput(line); err != nil {
			return err
		}
		if err := s.WaitAttach(ctx, out, errOut); err != nil {
			return err
		}
	}
}

func frameLabel(frame int) string {
	if frame == worker.GlobalFrame {
		return "global"
	}
	return "frame " + strconv.Itoa(frame)
}

func formatFrames(frames []call.Frame, selected int) string {
	var sb strings.Builder
	for i, f := range frames {
		marker := "  "
		if i == selected {
			marker = "> "
		}
		fmt.Fprintf(&sb, "%s%d: %s\n", marker, i, f)
	}
	return sb.String()
}
