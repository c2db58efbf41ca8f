package session

import (
	"slices"

	"github.com/guseggert/callsess/call"
	"github.com/guseggert/callsess/control"
	"github.com/guseggert/callsess/relay"
)

// Reply is one dispatched control message. Result is set for messages that end a call,
// Condition for condition events.
type Reply struct {
	Message   control.Message
	Result    *CallResult
	Condition *relay.Condition
}

type handler struct {
	// from lists the states in which the code is valid.
	from []State
	to   State
	// keep leaves the state alone.
	keep   bool
	handle func(s *Session, msg control.Message, r *Reply) error
}

var live = []State{Starting, Idle, Busy}

var handlers = map[control.Code]handler{
	control.CodeReady:        {from: []State{Starting}, to: Idle},
	control.CodeDone:         {from: []State{Busy}, to: Idle, handle: (*Session).handleDone},
	control.CodeAttachDone:   {from: live, to: Idle, handle: (*Session).handleAttachDone},
	control.CodeCondition:    {from: []State{Starting, Busy}, keep: true, handle: (*Session).handleCondition},
	control.CodeExited:       {from: live, to: Finished, handle: (*Session).handleTerminal},
	control.CodeCrashed:      {from: live, to: Finished, handle: (*Session).handleTerminal},
	control.CodeDisconnected: {from: live, to: Finished, handle: (*Session).handleTerminal},
}

func (s *Session) dispatch(msg control.Message) (*Reply, error) {
	if !msg.Code.Known() {
		return nil, s.protocolError(msg, "unknown code")
	}
	h, ok := handlers[msg.Code]
	if !ok {
		return nil, s.protocolError(msg, "code is only sent by the supervisor")
	}
	if !slices.Contains(h.from, s.state) {
		return nil, s.protocolError(msg, "unexpected code")
	}
	reply := &Reply{Message: msg}
	if h.handle != nil {
		if err := h.handle(s, msg, reply); err != nil {
			return nil, err
		}
	}
	if !h.keep {
		if err := s.setState(h.to, msg); err != nil {
			return nil, err
		}
	}
	s.log.Debugw("dispatched control message", "Code", msg.Code, "State", s.state)
	return reply, nil
}

func (s *Session) handleDone(msg control.Message, r *Reply) error {
	if s.current == nil {
		return s.protocolError(msg, "completion without a pending call")
	}
	if msg.Text != s.current.Paths.Result {
		return s.protocolError(msg, "completion for a different call")
	}
	r.Result = s.results.collect(s.current, msg)
	s.endCall()
	return nil
}

func (s *Session) handleAttachDone(msg control.Message, r *Reply) error {
	if s.current != nil {
		return s.protocolError(msg, "attach completion while a call is pending")
	}
	return nil
}

func (s *Session) handleCondition(msg control.Message, r *Reply) error {
	cond := &relay.Condition{Kind: relay.KindMessage, Message: msg.Text}
	if msg.HasPayload() {
		cond = &relay.Condition{}
		if err := s.codec.Unmarshal(msg.Payload, cond); err != nil {
			return s.protocolError(msg, "undecodable condition: "+err.Error())
		}
	}
	if s.current != nil {
		cond.CallID = s.current.ID
	}
	r.Condition = cond
	return nil
}

var terminalKinds = map[control.Code]string{
	control.CodeExited:       call.KindExited,
	control.CodeCrashed:      call.KindCrash,
	control.CodeDisconnected: call.KindDisconnected,
}

func (s *Session) handleTerminal(msg control.Message, r *Reply) error {
	rerr := &call.RemoteError{Kind: terminalKinds[msg.Code], Message: msg.Text}
	if msg.HasPayload() {
		decoded := &call.RemoteError{}
		if err := s.codec.Unmarshal(msg.Payload, decoded); err != nil {
			s.log.Debugf("decoding crash report: %s", err)
		} else {
			rerr = decoded
		}
	}
	s.log.Debugw("worker finished", "Code", msg.Code, "Reason", rerr.Message)
	if s.current != nil {
		if rerr.Func == "" {
			rerr.Func = s.current.Func
		}
		rerr.CallID = s.current.ID
		r.Result = s.results.fail(s.current, msg, rerr)
		s.endCall()
	}
	return nil
}

func (s *Session) protocolError(msg control.Message, reason string) error {
	err := &ProtocolError{State: s.state, Message: msg, Reason: reason}
	s.broken = err
	s.log.Debugw("protocol error", "Error", err)
	return err
}
