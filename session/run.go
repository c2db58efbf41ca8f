package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/callsess/relay"
)

// Run calls fn(args...) and waits for its result. A call that fails in the worker returns its
// *call.RemoteError, wrapped with ErrCrashed if the worker died. Cancelling ctx interrupts the call.
func (s *Session) Run(ctx context.Context, fn string, args ...any) (any, error) {
	res, err := s.RunWithOutput(ctx, fn, args...)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	v, err := res.Value()
	if err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return v, nil
}

// RunAs is Run with the result decoded into T.
func RunAs[T any](ctx context.Context, s *Session, fn string, args ...any) (T, error) {
	var zero T
	res, err := s.RunWithOutput(ctx, fn, args...)
	if err != nil {
		return zero, err
	}
	if err := res.Err(); err != nil {
		return zero, err
	}
	var v T
	if err := res.Decode(&v); err != nil {
		return zero, fmt.Errorf("decoding result: %w", err)
	}
	return v, nil
}

// RunWithOutput calls fn(args...) and returns its full result, including captured output. The call's
// own failure is reported in CallResult.Error; the returned error is for supervisor failures.
// On interrupt, the partial result, if the worker delivered one, is returned along with the error.
// Nothing is submitted if ctx is already done.
func (s *Session) RunWithOutput(ctx context.Context, fn string, args ...any) (*CallResult, error) {
	if err := s.checkIdle(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, s.interruptErr(ctx)
	}
	if err := s.Call(fn, args...); err != nil {
		return nil, err
	}
	reply, err := s.pump(ctx, func(r *Reply) bool { return r.Result != nil })
	if reply != nil && reply.Result != nil {
		return reply.Result, err
	}
	return nil, err
}

// pump waits for control messages and dispatches them until done accepts one. Conditions are handed to
// the relay with ctx. When ctx is cancelled the worker is interrupted and given the interrupt grace
// period to deliver the message done is waiting for, after which it is killed.
func (s *Session) pump(ctx context.Context, done func(*Reply) bool) (*Reply, error) {
	stop := context.AfterFunc(ctx, s.waker.Wake)
	defer func() {
		stop()
		s.waker.Reset()
	}()

	interrupted := false
	var deadline time.Time
	for {
		timeout := time.Duration(-1)
		if interrupted {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				s.log.Warnw("worker did not respond to interrupt, killing", "PID", s.proc.Pid(), "Grace", s.cfg.interruptGrace)
				if err := s.forceKill(); err != nil {
					return nil, errors.Join(s.interruptErr(ctx), err)
				}
				return nil, s.interruptErr(ctx)
			}
		}

		out, err := s.wait(timeout, !interrupted)
		if err != nil {
			return nil, err
		}
		switch out {
		case pollWoken:
			interrupted = true
			deadline = time.Now().Add(s.cfg.interruptGrace)
			s.waker.Reset()
			s.log.Debugw("interrupting worker", "PID", s.proc.Pid(), "Reason", ctx.Err())
			if err := s.proc.Interrupt(); err != nil {
				s.log.Debugf("interrupting worker: %s", err)
			}
			continue
		case pollTimeout:
			continue
		}

		for {
			reply, err := s.Read()
			if err != nil {
				return nil, err
			}
			if reply == nil {
				break
			}
			if reply.Condition != nil {
				relay.Dispatch(ctx, reply.Condition)
				continue
			}
			if done(reply) {
				if interrupted {
					return reply, s.interruptErr(ctx)
				}
				return reply, nil
			}
			if s.state == Finished {
				return reply, ErrFinished
			}
		}
	}
}

func (s *Session) interruptErr(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
}
