package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/callsess/control"
	"github.com/guseggert/callsess/relay"
)

// Call is the evaluation frame of one running call.
type Call struct {
	ctx context.Context
	rt  *Runtime
	ID  string
}

// Context is cancelled when the supervisor interrupts the call.
func (c *Call) Context() context.Context { return c.ctx }

func (c *Call) Runtime() *Runtime { return c.rt }

// Signal raises a condition in the supervisor. It returns as soon as the message is written,
// without waiting for the supervisor to handle it.
func (c *Call) Signal(kind, message string, data map[string]any) error {
	cond := relay.Condition{Kind: kind, Message: message, Data: data, Time: time.Now()}
	b, err := c.rt.codec.Marshal(cond)
	if err != nil {
		return fmt.Errorf("encoding condition: %w", err)
	}
	return c.rt.send(control.NewPayloadMessage(control.CodeCondition, b))
}

func (c *Call) Message(format string, args ...any) error {
	return c.Signal(relay.KindMessage, fmt.Sprintf(format, args...), nil)
}

func (c *Call) Warning(format string, args ...any) error {
	return c.Signal(relay.KindWarning, fmt.Sprintf(format, args...), nil)
}

func (c *Call) Progress(message string, done, total int) error {
	return c.Signal(relay.KindProgress, message, map[string]any{"done": done, "total": total})
}
