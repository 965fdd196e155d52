package models

import (
	"fmt"
)

// NodeType is the role a node plays in a pipeline
type NodeType string

const (
	NodeTypeSource      NodeType = "source"
	NodeTypeTransform   NodeType = "transform"
	NodeTypeDestination NodeType = "destination"
)

// Valid reports whether t is one of the known node types
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeSource, NodeTypeTransform, NodeTypeDestination:
		return true
	}
	return false
}

// NodeStatus is the field-completion status of a node
type NodeStatus string

const (
	NodeStatusPending  NodeStatus = "pending"
	NodeStatusPartial  NodeStatus = "partial"
	NodeStatusComplete NodeStatus = "complete"
	NodeStatusError    NodeStatus = "error"
)

// Node represents a single pipeline stage
type Node struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           NodeType   `json:"type"`
	Status         NodeStatus `json:"status"`
	RequiredFields []string   `json:"required_fields"`
	ProvidedFields []string   `json:"provided_fields"`
}

// Connection is a directed edge between two nodes of the same graph
type Connection struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
}

// WorkflowGraph is a complete snapshot of the pipeline being built.
// Complete is set explicitly by the proposer; a graph whose nodes are all
// complete may still be waiting for a confirmation step.
type WorkflowGraph struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Complete    bool         `json:"complete"`
}

// DeriveStatus computes a node status from its field sets.
// An errored node is always "error". A node with no required fields is
// "complete" because the provided set trivially covers the required set.
func DeriveStatus(required, provided []string, errored bool) NodeStatus {
	if errored {
		return NodeStatusError
	}

	have := toSet(provided)
	missing := 0
	for _, f := range required {
		if _, ok := have[f]; !ok {
			missing++
		}
	}

	switch {
	case missing == 0:
		return NodeStatusComplete
	case len(have) == 0:
		return NodeStatusPending
	default:
		return NodeStatusPartial
	}
}

// IsRequired reports whether field is declared required on the node
func (n Node) IsRequired(field string) bool {
	for _, f := range n.RequiredFields {
		if f == field {
			return true
		}
	}
	return false
}

// IsProvided reports whether field has already been provided
func (n Node) IsProvided(field string) bool {
	for _, f := range n.ProvidedFields {
		if f == field {
			return true
		}
	}
	return false
}

// MissingFields returns the required fields not yet provided, in declaration order
func (n Node) MissingFields() []string {
	var missing []string
	for _, f := range n.RequiredFields {
		if !n.IsProvided(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

// Clone returns a deep copy of the node
func (n Node) Clone() Node {
	out := n
	out.RequiredFields = cloneStrings(n.RequiredFields)
	out.ProvidedFields = cloneStrings(n.ProvidedFields)
	return out
}

// MergeFields returns a copy of node whose provided fields are the union of the
// existing ones and newlyProvided, with the status recomputed. It fails with an
// InvalidFieldError when newlyProvided names a field that is not required, in
// which case node is returned unchanged. An error status is sticky.
func MergeFields(node Node, newlyProvided []string) (Node, error) {
	for _, f := range newlyProvided {
		if !node.IsRequired(f) {
			return node, &InvalidFieldError{NodeID: node.ID, Field: f}
		}
	}

	out := node.Clone()
	for _, f := range newlyProvided {
		if !out.IsProvided(f) {
			out.ProvidedFields = append(out.ProvidedFields, f)
		}
	}
	out.ProvidedFields = orderLike(out.RequiredFields, out.ProvidedFields)
	out.Status = DeriveStatus(out.RequiredFields, out.ProvidedFields, node.Status == NodeStatusError)
	return out, nil
}

// ReplaceGraph returns next as the new authoritative graph. Snapshots always
// replace; nothing from old survives.
func ReplaceGraph(_, next WorkflowGraph) WorkflowGraph {
	return next.Clone()
}

// Clone returns a deep copy of the graph
func (g WorkflowGraph) Clone() WorkflowGraph {
	out := WorkflowGraph{Complete: g.Complete}
	if g.Nodes != nil {
		out.Nodes = make([]Node, len(g.Nodes))
		for i, n := range g.Nodes {
			out.Nodes[i] = n.Clone()
		}
	}
	if g.Connections != nil {
		out.Connections = make([]Connection, len(g.Connections))
		copy(out.Connections, g.Connections)
	}
	return out
}

// Node looks up a node by id
func (g WorkflowGraph) Node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// WithNode returns a copy of the graph with the node of the same id replaced
func (g WorkflowGraph) WithNode(node Node) WorkflowGraph {
	out := g.Clone()
	for i := range out.Nodes {
		if out.Nodes[i].ID == node.ID {
			out.Nodes[i] = node.Clone()
		}
	}
	return out
}

// AllNodesComplete reports whether every node has status complete
func (g WorkflowGraph) AllNodesComplete() bool {
	if len(g.Nodes) == 0 {
		return false
	}
	for _, n := range g.Nodes {
		if n.Status != NodeStatusComplete {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants of a snapshot
func (g WorkflowGraph) Validate() error {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}

		if !n.Type.Valid() {
			return fmt.Errorf("node %q has invalid type %q", n.ID, n.Type)
		}
		for _, f := range n.ProvidedFields {
			if !n.IsRequired(f) {
				return &InvalidFieldError{NodeID: n.ID, Field: f}
			}
		}
		if n.Status != NodeStatusError {
			if want := DeriveStatus(n.RequiredFields, n.ProvidedFields, false); n.Status != want {
				return fmt.Errorf("node %q has status %q, expected %q", n.ID, n.Status, want)
			}
		}
	}

	seen := make(map[Connection]struct{}, len(g.Connections))
	for _, c := range g.Connections {
		if c.SourceNodeID == c.TargetNodeID {
			return fmt.Errorf("self-loop on node %q", c.SourceNodeID)
		}
		if _, ok := ids[c.SourceNodeID]; !ok {
			return fmt.Errorf("connection source %q is not a node", c.SourceNodeID)
		}
		if _, ok := ids[c.TargetNodeID]; !ok {
			return fmt.Errorf("connection target %q is not a node", c.TargetNodeID)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate connection %s -> %s", c.SourceNodeID, c.TargetNodeID)
		}
		seen[c] = struct{}{}
	}

	return nil
}

// NormalizeGraph repairs a proposer-supplied graph so that it satisfies
// Validate where possible. Provided fields that are not required are dropped
// and reported as InvalidFieldError; statuses other than error are
// recomputed; self-loops, dangling and duplicate connections are removed.
// Structural problems that cannot be repaired (empty or duplicate ids, unknown
// node types) are returned as the error.
func NormalizeGraph(g WorkflowGraph) (WorkflowGraph, []error, error) {
	var rejected []error
	out := WorkflowGraph{Complete: g.Complete, Nodes: make([]Node, 0, len(g.Nodes))}

	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return WorkflowGraph{}, nil, fmt.Errorf("node with empty id")
		}
		if _, dup := ids[n.ID]; dup {
			return WorkflowGraph{}, nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		if !n.Type.Valid() {
			return WorkflowGraph{}, nil, fmt.Errorf("node %q has invalid type %q", n.ID, n.Type)
		}
		ids[n.ID] = struct{}{}

		node := n.Clone()
		node.RequiredFields = dedupe(node.RequiredFields)
		var kept []string
		for _, f := range dedupe(node.ProvidedFields) {
			if !node.IsRequired(f) {
				rejected = append(rejected, &InvalidFieldError{NodeID: node.ID, Field: f})
				continue
			}
			kept = append(kept, f)
		}
		node.ProvidedFields = orderLike(node.RequiredFields, kept)
		if node.RequiredFields == nil {
			node.RequiredFields = []string{}
		}
		node.Status = DeriveStatus(node.RequiredFields, node.ProvidedFields, n.Status == NodeStatusError)
		out.Nodes = append(out.Nodes, node)
	}

	seen := make(map[Connection]struct{}, len(g.Connections))
	out.Connections = make([]Connection, 0, len(g.Connections))
	for _, c := range g.Connections {
		_, srcOK := ids[c.SourceNodeID]
		_, dstOK := ids[c.TargetNodeID]
		if !srcOK || !dstOK || c.SourceNodeID == c.TargetNodeID {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out.Connections = append(out.Connections, c)
	}

	return out, rejected, nil
}

func cloneStrings(items []string) []string {
	if items == nil {
		return nil
	}
	out := make([]string, len(items))
	copy(out, items)
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func dedupe(items []string) []string {
	if items == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}

// orderLike returns the members of subset arranged in the order of reference
func orderLike(reference, subset []string) []string {
	have := toSet(subset)
	out := make([]string, 0, len(subset))
	for _, f := range reference {
		if _, ok := have[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
