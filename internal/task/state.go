package task

import "fmt"

// State is the lifecycle state of a build task.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateBuilding    State = "building"
	StateTesting     State = "testing"
	StatePushing     State = "pushing"
	StateCancel      State = "cancel"
	StateCanceled    State = "canceled"
	StateSuccessful  State = "successful"
	StateFailed      State = "failed"
)

var allStates = []State{
	StatePending,
	StateDownloading,
	StateBuilding,
	StateTesting,
	StatePushing,
	StateCancel,
	StateCanceled,
	StateSuccessful,
	StateFailed,
}

// ActiveStates lists the states a build is still being worked on in.
var ActiveStates = []State{
	StatePending,
	StateDownloading,
	StateBuilding,
	StateTesting,
	StatePushing,
}

func ParseState(value string) (State, error) {
	for _, s := range allStates {
		if string(s) == value {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown task state %q", value)
}

func (s State) Valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCanceled, StateSuccessful, StateFailed:
		return true
	}
	return false
}

func (s State) IsActive() bool {
	for _, active := range ActiveStates {
		if s == active {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}
