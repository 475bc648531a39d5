package models

import (
	"time"
)

// NodeState holds the live status and result of one node (or one parallel
// instance) within a run. Status changes only through Run.SetNodeStatus.
type NodeState struct {
	Status NodeStatus `json:"status"`
	Output any        `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Run is one execution instance of a specific flow version. NodeStates is
// keyed by static node id or by instance key ("{nodeId}_{n}") for parallel
// instances spawned by a splitter. InstanceKeys records which keys are
// instances of which template node; node ids are never parsed to find out,
// since a static id is free to end in "_<digits>". The run row is the single
// shared mutable resource per execution; the engine is its sole writer.
type Run struct {
	ID            string                `json:"id"`
	FlowID        string                `json:"flow_id"`
	FlowVersionID string                `json:"flow_version_id"`
	EntityID      string                `json:"entity_id,omitempty"`
	Trigger       string                `json:"trigger"`
	TriggerData   map[string]any        `json:"trigger_data,omitempty"`
	NodeStates    map[string]*NodeState `json:"node_states"`
	InstanceKeys  map[string][]string   `json:"instance_keys,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// State returns the node state for the given key, or nil.
func (r *Run) State(key string) *NodeState {
	return r.NodeStates[key]
}

// SetNodeStatus transitions the node at key through the status state
// machine. On an invalid transition the stored state is left completely
// unchanged and a *StatusTransitionError is returned.
func (r *Run) SetNodeStatus(key string, to NodeStatus) error {
	state := r.NodeStates[key]
	if state == nil {
		return &NodeStateNotFoundError{RunID: r.ID, Key: key}
	}

	if err := ValidateTransition(state.Status, to); err != nil {
		return err
	}

	state.Status = to

	return nil
}

// SpawnInstances records the instance keys that replaced the static state of
// a template node. The splitter is the only writer; an entry with zero keys
// marks a fan-out over an empty collection.
func (r *Run) SpawnInstances(templateID string, keys []string) {
	if r.InstanceKeys == nil {
		r.InstanceKeys = make(map[string][]string)
	}

	r.InstanceKeys[templateID] = keys
}

// Instances returns the instance keys spawned for the given template node,
// in instance-index order. An empty result means the node runs as a single
// static instance.
func (r *Run) Instances(templateID string) []string {
	return r.InstanceKeys[templateID]
}

// HasInstances reports whether parallel instances exist for the template
// node. Only the recorded table decides this, never the shape of the id.
func (r *Run) HasInstances(templateID string) bool {
	return len(r.InstanceKeys[templateID]) > 0
}

// Finished is derived, not stored: a run is finished when no node state is
// pending, running, or waiting for user input.
func (r *Run) Finished() bool {
	for _, state := range r.NodeStates {
		if !state.Status.Terminal() {
			return false
		}
	}

	return true
}

// NodeStateNotFoundError indicates a node-state key that does not exist in
// the run. This is a data-integrity problem (version/graph mismatch), fatal
// for that node only.
type NodeStateNotFoundError struct {
	RunID string
	Key   string
}

func (e *NodeStateNotFoundError) Error() string {
	return "node state " + e.Key + " not found in run " + e.RunID
}
