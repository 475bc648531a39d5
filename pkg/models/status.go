package models

import "fmt"

// NodeStatus defines the possible states of a node execution.
type NodeStatus string

const (
	NodeStatusPending        NodeStatus = "pending"
	NodeStatusRunning        NodeStatus = "running"
	NodeStatusCompleted      NodeStatus = "completed"
	NodeStatusFailed         NodeStatus = "failed"
	NodeStatusWaitingForUser NodeStatus = "waiting_for_user"
)

// Terminal reports whether the status counts as finished for dependency
// gating. A failed node still gates downstream AND-joins open; it simply
// contributes no output.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

// allowedTransitions is the full legal status transition table.
// failed -> running is the retry path; waiting_for_user -> running is the
// resume-after-human-input path; completed is terminal.
var allowedTransitions = map[NodeStatus][]NodeStatus{
	NodeStatusPending:        {NodeStatusRunning},
	NodeStatusRunning:        {NodeStatusCompleted, NodeStatusFailed, NodeStatusWaitingForUser},
	NodeStatusCompleted:      {},
	NodeStatusFailed:         {NodeStatusRunning},
	NodeStatusWaitingForUser: {NodeStatusRunning},
}

// StatusTransitionError indicates an attempted illegal node status change.
// The stored state is always left untouched when this is returned.
type StatusTransitionError struct {
	From NodeStatus
	To   NodeStatus
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid node status transition from %q to %q", e.From, e.To)
}

// IsValidTransition is the non-throwing probe for conditional logic.
func IsValidTransition(from, to NodeStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// ValidateTransition returns a *StatusTransitionError when the change is not
// in the transition table. Every write to a node status must pass this gate.
func ValidateTransition(from, to NodeStatus) error {
	if !IsValidTransition(from, to) {
		return &StatusTransitionError{From: from, To: to}
	}

	return nil
}
