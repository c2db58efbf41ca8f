package session

import (
	"time"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/codec"
	"go.uber.org/zap"
)

type Option func(s *Session)

// WithWorker sets the worker's startup command line.
func WithWorker(path string, args ...string) Option {
	return func(s *Session) {
		s.cfg.path = path
		s.cfg.args = args
	}
}

// WithEnv adds KEY=VALUE pairs to the worker's environment.
func WithEnv(env ...string) Option {
	return func(s *Session) {
		s.cfg.env = append(s.cfg.env, env...)
	}
}

func WithDir(dir string) Option {
	return func(s *Session) {
		s.cfg.dir = dir
	}
}

// WithLibPaths sets the library paths announced to the worker.
func WithLibPaths(paths ...string) Option {
	return func(s *Session) {
		s.cfg.libPaths = paths
	}
}

func WithErrorMode(m call.ErrorMode) Option {
	return func(s *Session) {
		s.cfg.errorMode = m
	}
}

func WithCodec(c codec.Codec) Option {
	return func(s *Session) {
		s.codec = c
	}
}

// WithRedirect sends the worker's stdout and stderr to files for the whole session.
// Calls then skip per-call capture for the redirected streams. An empty path leaves
// that stream alone.
func WithRedirect(stdoutFile, stderrFile string) Option {
	return func(s *Session) {
		s.cfg.stdoutFile = stdoutFile
		s.cfg.stderrFile = stderrFile
	}
}

// WithWait controls whether Start blocks until the worker is ready. Defaults to true.
func WithWait(wait bool) Option {
	return func(s *Session) {
		s.cfg.wait = wait
	}
}

func WithWaitTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.cfg.waitTimeout = d
	}
}

// WithInterruptGrace sets how long an interrupted call may take to wind down before the worker is killed.
func WithInterruptGrace(d time.Duration) Option {
	return func(s *Session) {
		s.cfg.interruptGrace = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}
