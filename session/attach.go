package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/control"
)

// SendInput writes a raw REPL line to the worker's stdin. The session is busy until WaitAttach sees
// the worker finish evaluating it.
func (s *Session) SendInput(line string) error {
	if err := s.checkIdle(); err != nil {
		return err
	}
	line = strings.TrimRight(line, "\r\n")
	if _, ok := call.ParseLine(line); ok {
		return fmt.Errorf("raw input must not start with %q", call.InstructionPrefix)
	}
	if err := s.proc.WriteStdin([]byte(line + "\n")); err != nil {
		return fmt.Errorf("writing input: %w", err)
	}
	s.state = Busy
	return nil
}

// WaitAttach forwards the worker's output to stdout and stderr as it arrives, until the worker reports
// that the line sent with SendInput has been evaluated.
func (s *Session) WaitAttach(ctx context.Context, stdout, stderr io.Writer) error {
	s.outSink, s.errSink = stdout, stderr
	defer func() {
		s.drainOutput()
		s.outSink, s.errSink = nil, nil
	}()

	reply, err := s.pump(ctx, func(r *Reply) bool {
		return r.Message.Code == control.CodeAttachDone || r.Message.Code.Terminal()
	})
	if err != nil {
		return err
	}
	if reply.Message.Code.Terminal() {
		return fmt.Errorf("%w: %s", ErrFinished, reply.Message.Text)
	}
	return nil
}
