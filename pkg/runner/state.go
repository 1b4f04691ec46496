package runner

import "fmt"

// State is a step of a translation run.
type State int

const (
	Init State = iota
	Extracting
	Filtering
	Dispatching
	Merging
	Finalizing
	Done
	// Interrupted runs stopped on request after writing a resumable checkpoint.
	Interrupted
	// Failed is absorbing: the run hit an unrecoverable error.
	Failed
)

var stateNames = [...]string{
	Init:        "Init",
	Extracting:  "Extracting",
	Filtering:   "Filtering",
	Dispatching: "Dispatching",
	Merging:     "Merging",
	Finalizing:  "Finalizing",
	Done:        "Done",
	Interrupted: "Interrupted",
	Failed:      "Failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Done || s == Interrupted || s == Failed
}

// next is the forward transition table; Failed and Interrupted are reachable
// from any non-terminal state and handled separately.
var next = map[State]State{
	Init:        Extracting,
	Extracting:  Filtering,
	Filtering:   Dispatching,
	Dispatching: Merging,
	Merging:     Finalizing,
	Finalizing:  Done,
}
