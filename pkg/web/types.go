// Package web provides the REST API for flows, versions, and runs.
package web

import "github.com/alexfarlander/stitch-run-sub010/pkg/models"

// CreateFlowRequest represents the request body for creating a new flow.
type CreateFlowRequest struct {
	Name       string `json:"name"        validate:"required,min=3"`
	CanvasType string `json:"canvas_type" validate:"omitempty,oneof=workflow journey"`
	ParentID   string `json:"parent_id,omitempty"`
}

// CreateVersionRequest represents the request body for saving a new version
// of a flow's canvas.
type CreateVersionRequest struct {
	Graph         *models.VisualGraph `json:"graph"          validate:"required"`
	CommitMessage string              `json:"commit_message"`
}

// StartRunRequest represents the request body for starting a run. Graph is
// optional: when present and drifted from the current version, a new version
// is created before the run starts; when absent the current version runs.
type StartRunRequest struct {
	Graph       *models.VisualGraph `json:"graph,omitempty"`
	EntityID    string              `json:"entity_id,omitempty"`
	TriggerData map[string]any      `json:"trigger_data,omitempty"`
}

// CallbackRequest represents an asynchronous worker result posted back to a
// run.
type CallbackRequest struct {
	NodeKey string `json:"node_key" validate:"required"`
	Status  string `json:"status"   validate:"required,oneof=completed failed"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UserInputRequest represents human input resuming a waiting node.
type UserInputRequest struct {
	Input map[string]any `json:"input" validate:"required"`
}
