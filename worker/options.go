package worker

import (
	"io"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"go.uber.org/zap"
)

type Option func(rt *Runtime)

func WithLogger(l *zap.Logger) Option {
	return func(rt *Runtime) {
		rt.log = l.Named("worker").Sugar()
	}
}

// WithCodec overrides the codec announced by the supervisor.
func WithCodec(c codec.Codec) Option {
	return func(rt *Runtime) {
		rt.codec = c
	}
}

func WithErrorMode(m call.ErrorMode) Option {
	return func(rt *Runtime) {
		rt.errorMode = m
	}
}

// WithIO replaces stdin and the control channel. Used to drive a runtime without a supervisor.
func WithIO(stdin io.Reader, control io.ReadWriter) Option {
	return func(rt *Runtime) {
		rt.stdin = stdin
		rt.control = control
	}
}

// WithoutCapture disables stdout/stderr redirection even when instructions ask for it.
func WithoutCapture() Option {
	return func(rt *Runtime) {
		rt.noCapture = true
	}
}
