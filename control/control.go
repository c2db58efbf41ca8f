package control

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PayloadMarker prefixes message text that carries an encoded binary payload.
const PayloadMarker = "base64::"

type Code int

const (
	// CodeExpect is sent by the supervisor after submitting a call, naming the result path it waits for.
	CodeExpect Code = 100

	CodeDone         Code = 200
	CodeReady        Code = 201
	CodeAttachDone   Code = 202
	CodeCondition    Code = 301
	CodeExited       Code = 500
	CodeCrashed      Code = 501
	CodeDisconnected Code = 502
)

var codeNames = map[Code]string{
	CodeExpect:       "expect",
	CodeDone:         "done",
	CodeReady:        "ready",
	CodeAttachDone:   "attach_done",
	CodeCondition:    "condition",
	CodeExited:       "exited",
	CodeCrashed:      "crashed",
	CodeDisconnected: "disconnected",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Known reports whether c is in the registry.
func (c Code) Known() bool {
	_, ok := codeNames[c]
	return ok
}

// Terminal reports whether c ends the worker's life.
func (c Code) Terminal() bool {
	return c == CodeExited || c == CodeCrashed || c == CodeDisconnected
}

var ErrMalformed = errors.New("malformed control message")

type Message struct {
	Code    Code
	Text    string
	Payload []byte
}

// NewPayloadMessage builds a message whose text carries b as an encoded payload.
func NewPayloadMessage(code Code, b []byte) Message {
	return Message{Code: code, Text: PayloadMarker + base64.StdEncoding.EncodeToString(b), Payload: b}
}

// HasPayload reports whether the message carried an embedded payload.
func (m Message) HasPayload() bool { return m.Payload != nil }

// Line renders the message in wire format, including the trailing newline.
func (m Message) Line() []byte {
	text := strings.ReplaceAll(m.Text, "\n", " ")
	return []byte(strconv.Itoa(int(m.Code)) + " " + text + "\n")
}

func (m Message) String() string {
	if m.HasPayload() {
		return fmt.Sprintf("%d %s (%d byte payload)", int(m.Code), m.Code, len(m.Payload))
	}
	return fmt.Sprintf("%d %s", int(m.Code), m.Text)
}

// Parse decodes one line. The trailing newline is optional. Parse does not check the
// code against the registry, that is up to the receiver since unknown codes are a
// state-machine concern.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	codeStr, text, _ := strings.Cut(line, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code <= 0 {
		return Message{}, fmt.Errorf("%w: bad code in %q", ErrMalformed, truncate(line))
	}
	msg := Message{Code: Code(code), Text: text}
	if rest, ok := strings.CutPrefix(text, PayloadMarker); ok {
		b, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Message{}, fmt.Errorf("%w: decoding payload: %s", ErrMalformed, err)
		}
		if b == nil {
			b = []byte{}
		}
		msg.Payload = b
	}
	return msg, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
