package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []NodeStatus{
	NodeStatusPending,
	NodeStatusRunning,
	NodeStatusCompleted,
	NodeStatusFailed,
	NodeStatusWaitingForUser,
}

func TestIsValidTransition_FullTable(t *testing.T) {
	allowed := map[NodeStatus]map[NodeStatus]bool{
		NodeStatusPending:        {NodeStatusRunning: true},
		NodeStatusRunning:        {NodeStatusCompleted: true, NodeStatusFailed: true, NodeStatusWaitingForUser: true},
		NodeStatusCompleted:      {},
		NodeStatusFailed:         {NodeStatusRunning: true},
		NodeStatusWaitingForUser: {NodeStatusRunning: true},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			assert.Equal(t, allowed[from][to], IsValidTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestValidateTransition_Errors(t *testing.T) {
	err := ValidateTransition(NodeStatusCompleted, NodeStatusPending)
	require.Error(t, err)

	var transitionErr *StatusTransitionError

	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, NodeStatusCompleted, transitionErr.From)
	assert.Equal(t, NodeStatusPending, transitionErr.To)
}

func TestValidateTransition_RetryAllowed(t *testing.T) {
	require.NoError(t, ValidateTransition(NodeStatusFailed, NodeStatusRunning))
	require.NoError(t, ValidateTransition(NodeStatusWaitingForUser, NodeStatusRunning))
}

func TestNodeStatus_Terminal(t *testing.T) {
	assert.True(t, NodeStatusCompleted.Terminal())
	assert.True(t, NodeStatusFailed.Terminal())
	assert.False(t, NodeStatusPending.Terminal())
	assert.False(t, NodeStatusRunning.Terminal())
	assert.False(t, NodeStatusWaitingForUser.Terminal())
}

func TestRun_SetNodeStatus_InvalidLeavesStateUntouched(t *testing.T) {
	run := &Run{
		ID: "run-1",
		NodeStates: map[string]*NodeState{
			"a": {Status: NodeStatusCompleted, Output: map[string]any{"x": 1}},
		},
	}

	err := run.SetNodeStatus("a", NodeStatusRunning)
	require.Error(t, err)
	assert.Equal(t, NodeStatusCompleted, run.NodeStates["a"].Status)
	assert.Equal(t, map[string]any{"x": 1}, run.NodeStates["a"].Output)
}

func TestRun_SetNodeStatus_UnknownKey(t *testing.T) {
	run := &Run{ID: "run-1", NodeStates: map[string]*NodeState{}}

	err := run.SetNodeStatus("missing", NodeStatusRunning)
	require.Error(t, err)

	var notFound *NodeStateNotFoundError

	assert.True(t, errors.As(err, &notFound))
}
