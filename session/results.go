package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"github.com/guseggert/callsess/control"
	"go.uber.org/zap"
)

// CallResult is the materialized outcome of one call. Exactly one of Result and Error is set.
type CallResult struct {
	CallID  string
	Func    string
	Code    control.Code
	Message string
	// Result is the codec-encoded return value.
	Result []byte
	Error  *call.RemoteError
	Stdout string
	Stderr string

	codec codec.Codec
}

// Decode decodes the return value into v.
func (r *CallResult) Decode(v any) error {
	if r.Error != nil {
		return r.Err()
	}
	return r.codec.Unmarshal(r.Result, v)
}

// Value decodes the return value into its generic form.
func (r *CallResult) Value() (any, error) {
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Err returns the call's error, wrapped with ErrCrashed if the worker died during the call.
func (r *CallResult) Err() error {
	if r.Error == nil {
		return nil
	}
	if r.Code.Terminal() {
		return fmt.Errorf("%w: %w", ErrCrashed, r.Error)
	}
	return r.Error
}

type pendingCall struct {
	ID    string
	Func  string
	Paths call.Paths
}

// resultStore owns the session's private temp dir and the per-call artifacts in it.
type resultStore struct {
	log   *zap.SugaredLogger
	codec codec.Codec
	dir   string
}

func newResultStore(c codec.Codec, log *zap.SugaredLogger) (*resultStore, error) {
	dir, err := os.MkdirTemp("", "callsess-")
	if err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &resultStore{log: log, codec: c, dir: dir}, nil
}

func (r *resultStore) paths(id string, captureStdout, captureStderr bool) call.Paths {
	base := filepath.Join(r.dir, id)
	p := call.Paths{Instruction: base + ".instr", Result: base + ".result"}
	if captureStdout {
		p.Stdout = base + ".stdout"
	}
	if captureStderr {
		p.Stderr = base + ".stderr"
	}
	return p
}

// collect builds the result of a completed call and deletes its artifacts.
func (r *resultStore) collect(pc *pendingCall, msg control.Message) *CallResult {
	res := r.newResult(pc, msg)
	o, err := call.ReadOutcome(r.codec, pc.Paths.Result)
	switch {
	case err != nil:
		res.Error = &call.RemoteError{Kind: call.KindDecode, Message: err.Error(), Func: pc.Func, CallID: pc.ID}
	case o.Error != nil:
		res.Error = o.Error
	default:
		res.Result = o.Value
	}
	r.discard(pc.Paths)
	return res
}

// fail builds the result of a call that ended with the worker.
func (r *resultStore) fail(pc *pendingCall, msg control.Message, rerr *call.RemoteError) *CallResult {
	res := r.newResult(pc, msg)
	res.Error = rerr
	r.discard(pc.Paths)
	return res
}

func (r *resultStore) newResult(pc *pendingCall, msg control.Message) *CallResult {
	return &CallResult{
		CallID:  pc.ID,
		Func:    pc.Func,
		Code:    msg.Code,
		Message: msg.Text,
		Stdout:  r.readCapture(pc.Paths.Stdout),
		Stderr:  r.readCapture(pc.Paths.Stderr),
		codec:   r.codec,
	}
}

func (r *resultStore) readCapture(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		r.log.Debugf("reading capture file %s: %s", path, err)
		return ""
	}
	return string(b)
}

func (r *resultStore) discard(p call.Paths) {
	for _, path := range p.All() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.log.Debugf("removing %s: %s", path, err)
		}
	}
}

func (r *resultStore) Close() error {
	return os.RemoveAll(r.dir)
}
