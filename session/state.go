package session

import "fmt"

type State int

const (
	Starting State = iota
	Idle
	Busy
	Finished
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the states reachable from each state. Finished is terminal.
var transitions = map[State][]State{
	Starting: {Idle, Finished},
	Idle:     {Busy, Finished},
	Busy:     {Idle, Finished},
}

func (s State) canTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}
