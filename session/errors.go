package session

import (
	"errors"
	"fmt"

	"github.com/guseggert/callsess/control"
)

var (
	ErrBusy        = errors.New("session busy")
	ErrFinished    = errors.New("session finished")
	ErrNotReady    = errors.New("session not ready")
	ErrKillFailed  = errors.New("unable to kill worker")
	ErrInterrupted = errors.New("call interrupted")
	ErrCrashed     = errors.New("worker crashed")
	ErrProtocol    = errors.New("protocol error")
	ErrStartup     = errors.New("worker failed to start")
)

// StartupError is returned by Start when the worker never became ready. It carries whatever the
// worker printed before it was killed.
type StartupError struct {
	Err error
	// ExitCode is -1 if the worker was killed by a signal.
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrStartup, e.Err)
	if e.Stderr != "" {
		msg += "\nstderr:\n" + e.Stderr
	}
	return msg
}

func (e *StartupError) Unwrap() []error { return []error{ErrStartup, e.Err} }

// ProtocolError reports a control message that is unknown or not valid in the session's state.
// The session refuses further calls afterwards.
type ProtocolError struct {
	State   State
	Message control.Message
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (got %q in state %s)", ErrProtocol, e.Reason, e.Message.String(), e.State)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }
