package cloudsave

import "fmt"

// State of a single save run.
type State int

const (
	StateIdle State = iota
	StateBuilding
	StateChunking
	StateNegotiating
	StateUploadingParts
	StateConfirming
	StateAwaitingAck
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:           "idle",
	StateBuilding:       "building",
	StateChunking:       "chunking",
	StateNegotiating:    "negotiating",
	StateUploadingParts: "uploading_parts",
	StateConfirming:     "confirming",
	StateAwaitingAck:    "awaiting_ack",
	StateCompleted:      "completed",
	StateFailed:         "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// next lists the forward transition of every non-terminal state. Failed is reachable
// from all of them.
var next = map[State]State{
	StateIdle:           StateBuilding,
	StateBuilding:       StateChunking,
	StateChunking:       StateNegotiating,
	StateNegotiating:    StateUploadingParts,
	StateUploadingParts: StateConfirming,
	StateConfirming:     StateAwaitingAck,
	StateAwaitingAck:    StateCompleted,
}

// run is the state machine of one save. It is never reused.
type run struct {
	state    State
	history  []State
	onChange func(State)
}

func newRun(onChange func(State)) *run {
	return &run{state: StateIdle, history: []State{StateIdle}, onChange: onChange}
}

func (r *run) advance(to State) error {
	if r.state.Terminal() {
		return fmt.Errorf("save already %s, cannot move to %s", r.state, to)
	}
	if to != StateFailed && next[r.state] != to {
		return fmt.Errorf("invalid transition %s -> %s", r.state, to)
	}
	r.state = to
	r.history = append(r.history, to)
	if r.onChange != nil {
		r.onChange(to)
	}
	return nil
}
