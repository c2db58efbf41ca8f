// Package call defines the self-contained instruction a supervisor hands to its worker for one call,
// and the outcome the worker writes back.
//
// Arguments are encoded one by one with the session codec so the worker can decode each into the
// parameter type of the registered function it invokes.
package call

import (
	"fmt"
	"os"
	"strings"

	"github.com/guseggert/callsess/codec"
)

// InstructionPrefix starts the stdin line that submits an instruction to the worker.
const InstructionPrefix = "@call "

type Instruction struct {
	ID   string
	Func string
	Args [][]byte

	ResultPath string
	// StdoutPath and StderrPath are empty when the session redirects output itself.
	StdoutPath string
	StderrPath string
}

// Paths holds the per-call temp artifacts generated by the supervisor.
type Paths struct {
	Instruction string
	Result      string
	Stdout      string
	Stderr      string
}

// All returns every non-empty artifact path.
func (p Paths) All() []string {
	var paths []string
	for _, s := range []string{p.Instruction, p.Result, p.Stdout, p.Stderr} {
		if s != "" {
			paths = append(paths, s)
		}
	}
	return paths
}

// Encode builds an instruction for fn(args...) and writes it to paths.Instruction.
// It returns the line to write to the worker's stdin.
func Encode(c codec.Codec, id, fn string, args []any, paths Paths) ([]byte, error) {
	if fn == "" {
		return nil, fmt.Errorf("empty function name")
	}
	ins := Instruction{
		ID:         id,
		Func:       fn,
		ResultPath: paths.Result,
		StdoutPath: paths.Stdout,
		StderrPath: paths.Stderr,
	}
	for i, a := range args {
		b, err := c.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		ins.Args = append(ins.Args, b)
	}
	b, err := c.Marshal(ins)
	if err != nil {
		return nil, fmt.Errorf("encoding instruction: %w", err)
	}
	if err := os.WriteFile(paths.Instruction, b, 0600); err != nil {
		return nil, fmt.Errorf("writing instruction: %w", err)
	}
	return []byte(InstructionPrefix + paths.Instruction + "\n"), nil
}

// ParseLine extracts the instruction path from a stdin line, reporting false for raw REPL input.
func ParseLine(line string) (string, bool) {
	path, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), InstructionPrefix)
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

// Decode reads an instruction blob.
func Decode(c codec.Codec, path string) (*Instruction, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading instruction: %w", err)
	}
	var ins Instruction
	if err := c.Unmarshal(b, &ins); err != nil {
		return nil, fmt.Errorf("decoding instruction: %w", err)
	}
	return &ins, nil
}

// Outcome is the result blob. Exactly one of Value and Error is set.
type Outcome struct {
	Value []byte
	Error *RemoteError
}

func WriteOutcome(c codec.Codec, path string, o Outcome) error {
	b, err := c.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("writing outcome: %w", err)
	}
	return nil
}

func ReadOutcome(c codec.Codec, path string) (*Outcome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading outcome: %w", err)
	}
	var o Outcome
	if err := c.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decoding outcome: %w", err)
	}
	if o.Error == nil && o.Value == nil {
		return nil, fmt.Errorf("decoding outcome: neither value nor error set")
	}
	return &o, nil
}
