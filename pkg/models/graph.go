// Package models defines the core domain models for canvas-based workflow execution
package models

// NodeType represents the kind of a canvas node.
type NodeType string

const (
	NodeTypeWorker      NodeType = "worker"       // Dispatches asynchronous external work
	NodeTypeUX          NodeType = "ux"           // Waits for human input
	NodeTypeSplitter    NodeType = "splitter"     // Fans out a collection into parallel instances
	NodeTypeCollector   NodeType = "collector"    // Fans in parallel instances into one result
	NodeTypeSection     NodeType = "section"      // Presentation-only canvas grouping
	NodeTypeSectionItem NodeType = "section_item" // Presentation-only child of a section
)

// Runtime reports whether nodes of this type participate in execution.
// Section nodes exist only on the canvas and are stripped at compile time.
func (t NodeType) Runtime() bool {
	switch t {
	case NodeTypeWorker, NodeTypeUX, NodeTypeSplitter, NodeTypeCollector:
		return true
	case NodeTypeSection, NodeTypeSectionItem:
		return false
	}

	return false
}

// Position holds canvas coordinates for a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EntityMove configures the journey stage an entity moves to when a node completes.
type EntityMove struct {
	ToStage string `json:"to_stage"`
}

// VisualNode is a node as edited on the canvas, presentation fields included.
type VisualNode struct {
	ID         string         `json:"id"          validate:"required"`
	Type       NodeType       `json:"type"        validate:"required"`
	WorkerType string         `json:"worker_type,omitempty"` // For worker nodes only
	Label      string         `json:"label,omitempty"`
	Position   Position       `json:"position"`
	Width      float64        `json:"width,omitempty"`
	Height     float64        `json:"height,omitempty"`
	Style      map[string]any `json:"style,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	EntityMove *EntityMove    `json:"entity_move,omitempty"`
}

// EdgeData carries the per-edge input mapping: target input name -> source output path.
type EdgeData struct {
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Edge connects two canvas nodes.
type Edge struct {
	ID     string    `json:"id"     validate:"required"`
	Source string    `json:"source" validate:"required"`
	Target string    `json:"target" validate:"required"`
	Data   *EdgeData `json:"data,omitempty"`
}

// VisualGraph is the editable canvas representation of a workflow.
// It is never executed directly; the compiler produces an ExecutionGraph from it.
type VisualGraph struct {
	Nodes []*VisualNode `json:"nodes"`
	Edges []*Edge       `json:"edges"`
}

// Node returns the node with the given id, or nil.
func (g *VisualGraph) Node(id string) *VisualNode {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}
