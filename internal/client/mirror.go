// Package client mirrors a builder session on the consuming side. Apply is
// the only function that derives new state from protocol events; Store and
// Conn only move events to it.
package client

import (
	"slices"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// NodeEntry is one cached node-data answer. Exactly one of Detail and Error is set.
type NodeEntry struct {
	Detail *models.NodeDetail
	Error  string
}

// State is the client's reconstruction of a session
type State struct {
	Messages    []models.Message
	Graph       *models.WorkflowGraph
	Thought     string
	Loading     bool
	Error       string
	NodeDetails map[string]NodeEntry
}

// Apply returns the state after ev. It never modifies s. Durable messages
// already present by id are ignored, so replays are harmless.
func Apply(s State, ev models.Event) State {
	switch e := ev.(type) {
	case models.ThoughtEvent:
		s.Thought = e.Content
	case models.StatusEvent:
		s.Loading = e.Processing()
	case models.MessageEvent:
		return applyMessage(s, e.Message)
	case models.ErrorEvent:
		if e.IsNodeData() {
			s.NodeDetails = withNodeEntry(s.NodeDetails, e.NodeID, NodeEntry{Error: e.Content})
			return s
		}
		msg := e.AsMessage()
		if hasMessage(s.Messages, msg.ID) {
			return s
		}
		s.Messages = append(slices.Clip(s.Messages), msg)
		s.Loading = false
		s.Thought = ""
		s.Error = e.Content
	case models.NodeDataEvent:
		detail := e.Detail
		detail.FilledValues = cloneValues(detail.FilledValues)
		s.NodeDetails = withNodeEntry(s.NodeDetails, detail.NodeID, NodeEntry{Detail: &detail})
	case models.StartEvent:
		s = ClearMessages(s)
		return applyMessage(s, models.Message{
			ID:      e.ID,
			Role:    models.RoleUser,
			Type:    models.MessageTypeMessage,
			Content: e.Content,
		})
	case models.ClearEvent:
		return ClearMessages(s)
	case models.GetNodeDataEvent:
		// requests carry no state
	}
	return s
}

func applyMessage(s State, msg models.Message) State {
	// only the assistant may carry a graph
	if msg.Role == models.RoleUser && msg.Graph != nil {
		return s
	}
	if hasMessage(s.Messages, msg.ID) {
		return s
	}

	msg = msg.Clone()
	s.Messages = append(slices.Clip(s.Messages), msg)
	if msg.Graph != nil {
		g := models.ReplaceGraph(models.WorkflowGraph{}, *msg.Graph)
		s.Graph = &g
	}
	if msg.Role == models.RoleAssistant {
		s.Thought = ""
		s.Loading = false
		s.Error = ""
	}
	return s
}

// ClearMessages resets the transcript together with every indicator derived from it
func ClearMessages(State) State {
	return State{}
}

// Complete reports whether the mirrored graph has been finalized
func (s State) Complete() bool {
	return s.Graph != nil && s.Graph.Complete
}

// Clone returns a deep copy of s
func (s State) Clone() State {
	out := State{
		Thought: s.Thought,
		Loading: s.Loading,
		Error:   s.Error,
	}
	if s.Messages != nil {
		out.Messages = make([]models.Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	if s.Graph != nil {
		g := s.Graph.Clone()
		out.Graph = &g
	}
	if s.NodeDetails != nil {
		out.NodeDetails = make(map[string]NodeEntry, len(s.NodeDetails))
		for id, entry := range s.NodeDetails {
			if entry.Detail != nil {
				d := *entry.Detail
				d.FilledValues = cloneValues(d.FilledValues)
				entry.Detail = &d
			}
			out.NodeDetails[id] = entry
		}
	}
	return out
}

func hasMessage(msgs []models.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func withNodeEntry(cache map[string]NodeEntry, nodeID string, entry NodeEntry) map[string]NodeEntry {
	next := make(map[string]NodeEntry, len(cache)+1)
	for k, v := range cache {
		next[k] = v
	}
	next[nodeID] = entry
	return next
}

func cloneValues(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
