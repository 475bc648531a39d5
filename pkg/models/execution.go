package models

// ExecutionNode is the stripped, execution-relevant form of a canvas node.
// Presentation fields (position, label, style, dimensions) never reach it.
type ExecutionNode struct {
	ID           string         `json:"id"`
	Type         NodeType       `json:"type"`
	WorkerType   string         `json:"worker_type,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	InputSchema  *JSONSchema    `json:"input_schema,omitempty"`
	OutputSchema *JSONSchema    `json:"output_schema,omitempty"`
	EntityMove   *EntityMove    `json:"entity_move,omitempty"`
}

// ExecutionGraph is the compiled, immutable form of a visual graph.
// It is created once per flow version and never mutated afterwards; any
// change to the workflow requires compiling a new version.
//
// Parents is the reverse adjacency, maintained alongside the forward
// adjacency in edge-declaration order so the engine never rescans edges to
// answer "who feeds this node".
type ExecutionGraph struct {
	Nodes         map[string]*ExecutionNode `json:"nodes"`
	Adjacency     map[string][]string       `json:"adjacency"`
	Parents       map[string][]string       `json:"parents"`
	EdgeData      map[string]*EdgeData      `json:"edge_data"`
	EntryNodes    []string                  `json:"entry_nodes"`
	TerminalNodes []string                  `json:"terminal_nodes"`
}

// EdgeKey builds the edge-data index key for a source/target pair.
func EdgeKey(source, target string) string {
	return source + "->" + target
}

// Children returns the downstream node ids of the given node in edge order.
func (g *ExecutionGraph) Children(id string) []string {
	return g.Adjacency[id]
}

// ParentsOf returns the upstream node ids of the given node in edge order.
func (g *ExecutionGraph) ParentsOf(id string) []string {
	return g.Parents[id]
}

// Mapping returns the edge mapping for source->target. Every compiled edge
// has an entry, so a nil result means the edge does not exist.
func (g *ExecutionGraph) Mapping(source, target string) *EdgeData {
	return g.EdgeData[EdgeKey(source, target)]
}

// IsTerminal reports whether the node has no outbound edges.
func (g *ExecutionGraph) IsTerminal(id string) bool {
	for _, t := range g.TerminalNodes {
		if t == id {
			return true
		}
	}

	return false
}
