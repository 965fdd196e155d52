package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a transcript message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType classifies a durable transcript entry
type MessageType string

const (
	MessageTypeMessage MessageType = "MESSAGE"
	MessageTypeStatus  MessageType = "STATUS"
	MessageTypeError   MessageType = "ERROR"
)

// Message is a durable transcript entry. Thoughts are never stored as messages.
type Message struct {
	ID               string         `json:"id"`
	Role             Role           `json:"role"`
	Type             MessageType    `json:"type"`
	Content          string         `json:"content"`
	Timestamp        time.Time      `json:"timestamp"`
	Graph            *WorkflowGraph `json:"graph,omitempty"`
	WorkflowComplete *bool          `json:"workflow_complete,omitempty"`
}

// NewUserMessage creates a user-authored message. An empty id is replaced by a new uuid.
func NewUserMessage(id, content string) Message {
	if id == "" {
		id = uuid.New().String()
	}
	return Message{
		ID:        id,
		Role:      RoleUser,
		Type:      MessageTypeMessage,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantMessage creates an assistant message carrying a graph snapshot
func NewAssistantMessage(content string, graph WorkflowGraph) Message {
	g := graph.Clone()
	complete := g.Complete
	return Message{
		ID:               uuid.New().String(),
		Role:             RoleAssistant,
		Type:             MessageTypeMessage,
		Content:          content,
		Timestamp:        time.Now().UTC(),
		Graph:            &g,
		WorkflowComplete: &complete,
	}
}

// NewErrorMessage creates a durable error entry
func NewErrorMessage(content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Type:      MessageTypeError,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the message
func (m Message) Clone() Message {
	out := m
	if m.Graph != nil {
		g := m.Graph.Clone()
		out.Graph = &g
	}
	if m.WorkflowComplete != nil {
		c := *m.WorkflowComplete
		out.WorkflowComplete = &c
	}
	return out
}

// NodeDetail is the filled configuration of one node
type NodeDetail struct {
	NodeID       string            `json:"node_id"`
	NodeTitle    string            `json:"node_title"`
	FilledValues map[string]string `json:"data"`
}

// FieldRef points at one required field of one node
type FieldRef struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}
