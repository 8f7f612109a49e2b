package db

import "fmt"

// Status is the lifecycle state of a training run, deployment, or cache
// refresh. It is a closed enum: values only advance along
//
//	not_started -> starting -> in_progress -> complete | failed
//
// with one extra legal edge, complete -> stopped, used when the scheduler
// reports a previously healthy job dead. Reverse transitions are forbidden
// except via an explicit admin reset back to not_started.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusStopped    Status = "stopped"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the closed enum values.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusStarting, StatusInProgress,
		StatusStopped, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further forward transition is possible.
// stopped and failed are terminal; complete is not, because the scheduler may
// still demote it to stopped.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// rank orders statuses along the forward path. complete and failed share a
// rank because they are alternative terminals of in_progress.
func (s Status) rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusStarting:
		return 1
	case StatusInProgress:
		return 2
	case StatusComplete, StatusFailed:
		return 3
	case StatusStopped:
		return 4
	}
	return -1
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Self-transitions are allowed (idempotent status reports).
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch {
	case s == StatusStopped, s == StatusFailed:
		return false
	case next == StatusStopped:
		// Only a complete job may drop to stopped.
		return s == StatusComplete
	case s == StatusComplete:
		return false
	default:
		return next.rank() > s.rank()
	}
}

// Transition validates and returns the next status, or an error naming the
// illegal edge. Use AdminReset to force a row back to not_started.
func (s Status) Transition(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("db: illegal status transition %s -> %s", s, next)
	}
	return next, nil
}
