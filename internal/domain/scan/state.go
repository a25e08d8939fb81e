package scan

// State is a position in the scanner state machine.
type State int

const (
	StateIdle State = iota
	StateFetchingPage
	StateEmittingPage
	StateRetrying
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetchingPage:
		return "FETCHING_PAGE"
	case StateEmittingPage:
		return "EMITTING_PAGE"
	case StateRetrying:
		return "RETRYING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true for states a scan never leaves.
func (s State) IsTerminal() bool { return s == StateDone || s == StateFailed }

// validTransitions lists the allowed successors of each non-terminal state.
var validTransitions = map[State][]State{
	StateIdle:         {StateFetchingPage, StateFailed},
	StateFetchingPage: {StateEmittingPage, StateRetrying, StateDone, StateFailed},
	StateEmittingPage: {StateFetchingPage, StateDone, StateFailed},
	StateRetrying:     {StateFetchingPage, StateFailed},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s State) CanTransitionTo(next State) bool {
	for _, st := range validTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}
