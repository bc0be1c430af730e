package realtime

import (
	"fmt"
	"slices"
)

// State 是会话生命周期状态。
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Joining    State = "joining"
	Hydrating  State = "hydrating"
	Live       State = "live"
	Closed     State = "closed"
	Errored    State = "errored"
)

var validTransitions = map[State][]State{
	Idle:       {Connecting, Closed, Errored},
	Connecting: {Joining, Closed, Errored},
	Joining:    {Hydrating, Closed, Errored},
	Hydrating:  {Live, Closed, Errored},
	Live:       {Closed, Errored},
}

// Terminal 报告状态是否为终态。
func (s State) Terminal() bool { return s == Closed || s == Errored }

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
