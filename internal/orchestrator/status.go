package orchestrator

import "fmt"

// Status is the execution state of one action.
//
//	pending -> ready -> running -> succeeded | failed
//	pending -> skipped
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

var legalTransitions = map[Status][]Status{
	StatusPending: {StatusReady, StatusSkipped},
	StatusReady:   {StatusRunning},
	StatusRunning: {StatusSucceeded, StatusFailed},
}

// canTransition reports whether from -> to is a legal transition.
func canTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// mustTransition panics on an illegal transition. Reaching it means the
// scheduler itself is broken.
func mustTransition(id string, from, to Status) {
	if !canTransition(from, to) {
		panic(fmt.Sprintf("orchestrator: illegal transition %s -> %s for action %s", from, to, id))
	}
}
