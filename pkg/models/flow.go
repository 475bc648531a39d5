package models

import "time"

// Canvas types. A journey canvas renders entity stages; a workflow canvas
// renders plain execution graphs. The engine treats both identically.
const (
	CanvasTypeWorkflow = "workflow"
	CanvasTypeJourney  = "journey"
)

// Flow is the named, versioned container for a workflow's history. It never
// holds graph data directly; CurrentVersionID points at the latest version.
type Flow struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"              validate:"required,min=3"`
	CanvasType       string     `json:"canvas_type,omitempty"`
	ParentID         string     `json:"parent_id,omitempty"`
	CurrentVersionID string     `json:"current_version_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// FlowVersion is an immutable (visual graph, execution graph) pair. Versions
// are append-only: once created they are referenced forever by any run that
// executed them, even after the parent flow's current version moves on.
type FlowVersion struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	VisualGraph    *VisualGraph    `json:"visual_graph,omitempty"`
	ExecutionGraph *ExecutionGraph `json:"execution_graph,omitempty"`
	CommitMessage  string          `json:"commit_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// VersionSummary is the metadata-only view used by list endpoints; graph
// payloads are fetched separately by id when needed.
type VersionSummary struct {
	ID            string    `json:"id"`
	FlowID        string    `json:"flow_id"`
	CommitMessage string    `json:"commit_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary returns the metadata-only view of the version.
func (v *FlowVersion) Summary() VersionSummary {
	return VersionSummary{
		ID:            v.ID,
		FlowID:        v.FlowID,
		CommitMessage: v.CommitMessage,
		CreatedAt:     v.CreatedAt,
	}
}
