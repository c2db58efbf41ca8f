package server

import (
	"encoding/json"

	"github.com/guseggert/callsess/call"
)

type RunRequest struct {
	Func string
	Args []json.RawMessage
}

type RunResponse struct {
	CallID string
	Func   string
	Code   int
	// Value is the decoded return value. It is nil if the call failed.
	Value  any
	Error  *call.RemoteError `json:",omitempty"`
	Stdout string
	Stderr string
}

type StateResponse struct {
	SessionID string
	State     string
	PID       int
	TotalMS   int64
	CallMS    int64
	HasCall   bool
}

type ErrorResponse struct {
	Error string
}

// attachRequest carries one line of REPL input.
type attachRequest struct {
	Line string
}

// attachResponse carries worker output for the line being evaluated. The last message for a line has Done set,
// and Error set if the line could not be evaluated.
type attachResponse struct {
	Stdout []byte `json:",omitempty"`
	Stderr []byte `json:",omitempty"`
	Done   bool   `json:",omitempty"`
	Error  string `json:",omitempty"`
}
