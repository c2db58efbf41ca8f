// Package relay forwards asynchronous conditions raised by a worker during a call to handlers
// installed by the caller.
//
// Handlers are scoped to a context: WithHandler returns a child context carrying the handler, so
// the set of active handlers follows the call chain, innermost first. A handler can muffle a
// condition to stop it from propagating further. Conditions that nobody muffles go to the default
// handler registered for their kind.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known condition kinds.
const (
	KindMessage  = "message"
	KindWarning  = "warning"
	KindProgress = "progress"
)

type Condition struct {
	Kind    string
	Message string
	Data    map[string]any `json:",omitempty"`
	Time    time.Time
	// CallID is filled in by the supervisor, it is not sent by the worker.
	CallID string `json:"-" cbor:"-"`
}

func (c *Condition) String() string {
	return fmt.Sprintf("%s: %s", c.Kind, c.Message)
}

type Action int

const (
	// Continue passes the condition on to outer handlers and eventually the default handler.
	Continue Action = iota
	// Muffle stops propagation.
	Muffle
)

type Handler func(ctx context.Context, c *Condition) Action

type scope struct {
	kind    string
	handler Handler
	parent  *scope
}

type scopeKey struct{}

// WithHandler returns a context in which h receives conditions of the given kind.
// An empty kind matches every condition.
func WithHandler(ctx context.Context, kind string, h Handler) context.Context {
	parent, _ := ctx.Value(scopeKey{}).(*scope)
	return context.WithValue(ctx, scopeKey{}, &scope{kind: kind, handler: h, parent: parent})
}

var (
	defaultsMut sync.RWMutex
	defaults    = map[string]Handler{}
	fallback    Handler
	log         = zap.NewNop().Sugar()
)

func logger() *zap.SugaredLogger {
	defaultsMut.RLock()
	defer defaultsMut.RUnlock()
	return log
}

func init() {
	SetDefault(KindMessage, func(_ context.Context, c *Condition) Action {
		logger().Infow(c.Message, "CallID", c.CallID)
		return Muffle
	})
	SetDefault(KindWarning, func(_ context.Context, c *Condition) Action {
		logger().Warnw(c.Message, "CallID", c.CallID)
		return Muffle
	})
	SetDefault(KindProgress, func(_ context.Context, c *Condition) Action {
		logger().Debugw("progress", "Message", c.Message, "Data", c.Data, "CallID", c.CallID)
		return Muffle
	})
	fallback = func(_ context.Context, c *Condition) Action {
		logger().Debugw("unhandled condition", "Kind", c.Kind, "Message", c.Message, "CallID", c.CallID)
		return Muffle
	}
}

// SetLogger sets the logger used by the built-in default handlers.
func SetLogger(l *zap.Logger) {
	defaultsMut.Lock()
	defer defaultsMut.Unlock()
	log = l.Named("relay").Sugar()
}

// SetDefault installs the default handler for a kind. A nil handler removes it.
func SetDefault(kind string, h Handler) {
	defaultsMut.Lock()
	defer defaultsMut.Unlock()
	if h == nil {
		delete(defaults, kind)
		return
	}
	defaults[kind] = h
}

// Dispatch delivers c to the handlers in ctx, innermost first, and then to the default
// handler for its kind. It reports whether some handler muffled the condition.
func Dispatch(ctx context.Context, c *Condition) bool {
	s, _ := ctx.Value(scopeKey{}).(*scope)
	for ; s != nil; s = s.parent {
		if s.kind != "" && s.kind != c.Kind {
			continue
		}
		if s.handler(ctx, c) == Muffle {
			return true
		}
	}

	defaultsMut.RLock()
	h, ok := defaults[c.Kind]
	if !ok {
		h = fallback
	}
	defaultsMut.RUnlock()
	return h(ctx, c) == Muffle
}
