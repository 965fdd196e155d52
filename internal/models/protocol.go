package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the wire discriminator carried in the "type" field
type EventKind string

const (
	KindMessage     EventKind = "MESSAGE"
	KindStatus      EventKind = "STATUS"
	KindThought     EventKind = "THOUGHT"
	KindError       EventKind = "ERROR"
	KindGetNodeData EventKind = "GET_NODE_DATA"
	KindNodeData    EventKind = "NODE_DATA"
	KindStart       EventKind = "START"
	KindClear       EventKind = "CLEAR"
)

// Status values carried by STATUS events
const (
	StatusProcessing = "processing"
	StatusIdle       = "idle"
)

// Event is one protocol message. The concrete types below are the only
// implementations; consumers switch over them exhaustively.
type Event interface {
	Kind() EventKind
	isEvent()
}

// MessageEvent carries a durable transcript message (both directions)
type MessageEvent struct {
	Message Message
}

// StatusEvent tells the client whether a turn is in flight
type StatusEvent struct {
	Status string
}

// Processing reports whether the status marks a turn in flight
func (e StatusEvent) Processing() bool { return e.Status == StatusProcessing }

// ThoughtEvent is ephemeral progress text. It never enters the transcript.
type ThoughtEvent struct {
	Content string
}

// ErrorEvent is a durable turn error, or, when NodeID is set, the failed
// answer to a GET_NODE_DATA request.
type ErrorEvent struct {
	ID        string
	Content   string
	Timestamp time.Time
	NodeID    string
}

// IsNodeData reports whether the error answers a node-data request
func (e ErrorEvent) IsNodeData() bool { return e.NodeID != "" }

// AsMessage converts a turn error into its transcript entry
func (e ErrorEvent) AsMessage() Message {
	return Message{
		ID:        e.ID,
		Role:      RoleAssistant,
		Type:      MessageTypeError,
		Content:   e.Content,
		Timestamp: e.Timestamp,
	}
}

// GetNodeDataEvent requests the filled values of a node
type GetNodeDataEvent struct {
	NodeID string
}

// NodeDataEvent answers a GET_NODE_DATA request
type NodeDataEvent struct {
	Detail NodeDetail
}

// StartEvent explicitly starts a fresh conversation with a description
type StartEvent struct {
	ID      string
	Content string
}

// ClearEvent discards the session's transcript and graph
type ClearEvent struct{}

func (MessageEvent) Kind() EventKind     { return KindMessage }
func (StatusEvent) Kind() EventKind      { return KindStatus }
func (ThoughtEvent) Kind() EventKind     { return KindThought }
func (ErrorEvent) Kind() EventKind       { return KindError }
func (GetNodeDataEvent) Kind() EventKind { return KindGetNodeData }
func (NodeDataEvent) Kind() EventKind    { return KindNodeData }
func (StartEvent) Kind() EventKind       { return KindStart }
func (ClearEvent) Kind() EventKind       { return KindClear }

func (MessageEvent) isEvent()     {}
func (StatusEvent) isEvent()      {}
func (ThoughtEvent) isEvent()     {}
func (ErrorEvent) isEvent()       {}
func (GetNodeDataEvent) isEvent() {}
func (NodeDataEvent) isEvent()    {}
func (StartEvent) isEvent()       {}
func (ClearEvent) isEvent()       {}

// wireEvent is the flat JSON shape shared by every kind
type wireEvent struct {
	Type             EventKind          `json:"type"`
	ID               string             `json:"id,omitempty"`
	Role             Role               `json:"role,omitempty"`
	Content          string             `json:"content,omitempty"`
	Timestamp        *time.Time         `json:"timestamp,omitempty"`
	Graph            *WorkflowGraph     `json:"graph,omitempty"`
	WorkflowComplete *bool              `json:"workflow_complete,omitempty"`
	Status           string             `json:"status,omitempty"`
	NodeID           string             `json:"node_id,omitempty"`
	NodeTitle        string             `json:"node_title,omitempty"`
	// pointer so that NODE_DATA keeps an empty mapping on the wire
	Data             *map[string]string `json:"data,omitempty"`
}

// EncodeEvent serializes an event into its JSON wire form
func EncodeEvent(ev Event) ([]byte, error) {
	w := wireEvent{Type: ev.Kind()}

	switch e := ev.(type) {
	case MessageEvent:
		m := e.Message
		w.ID = m.ID
		w.Role = m.Role
		w.Content = m.Content
		if !m.Timestamp.IsZero() {
			ts := m.Timestamp
			w.Timestamp = &ts
		}
		w.Graph = m.Graph
		w.WorkflowComplete = m.WorkflowComplete
	case StatusEvent:
		w.Status = e.Status
	case ThoughtEvent:
		w.Content = e.Content
	case ErrorEvent:
		w.ID = e.ID
		w.Content = e.Content
		if !e.Timestamp.IsZero() {
			ts := e.Timestamp
			w.Timestamp = &ts
		}
		w.NodeID = e.NodeID
	case GetNodeDataEvent:
		w.NodeID = e.NodeID
	case NodeDataEvent:
		w.NodeID = e.Detail.NodeID
		w.NodeTitle = e.Detail.NodeTitle
		values := e.Detail.FilledValues
		if values == nil {
			values = map[string]string{}
		}
		w.Data = &values
	case StartEvent:
		w.ID = e.ID
		w.Content = e.Content
	case ClearEvent:
	default:
		return nil, fmt.Errorf("unsupported event type %T", ev)
	}

	return json.Marshal(w)
}

// DecodeEvent parses a wire message. Unknown fields are ignored; unknown
// kinds and missing required fields yield a ProtocolDecodeError.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ProtocolDecodeError{Reason: "invalid json", Err: err}
	}

	var ts time.Time
	if w.Timestamp != nil {
		ts = *w.Timestamp
	}

	switch w.Type {
	case KindMessage:
		if w.Role != RoleUser && w.Role != RoleAssistant {
			return nil, &ProtocolDecodeError{Reason: fmt.Sprintf("message has invalid role %q", w.Role)}
		}
		if w.ID == "" {
			return nil, &ProtocolDecodeError{Reason: "message without id"}
		}
		return MessageEvent{Message: Message{
			ID:               w.ID,
			Role:             w.Role,
			Type:             MessageTypeMessage,
			Content:          w.Content,
			Timestamp:        ts,
			Graph:            w.Graph,
			WorkflowComplete: w.WorkflowComplete,
		}}, nil
	case KindStatus:
		if w.Status != StatusProcessing && w.Status != StatusIdle {
			return nil, &ProtocolDecodeError{Reason: fmt.Sprintf("invalid status %q", w.Status)}
		}
		return StatusEvent{Status: w.Status}, nil
	case KindThought:
		return ThoughtEvent{Content: w.Content}, nil
	case KindError:
		if w.Content == "" {
			return nil, &ProtocolDecodeError{Reason: "error without content"}
		}
		// node-data errors are not durable and need no id
		if w.ID == "" && w.NodeID == "" {
			return nil, &ProtocolDecodeError{Reason: "error without id"}
		}
		return ErrorEvent{ID: w.ID, Content: w.Content, Timestamp: ts, NodeID: w.NodeID}, nil
	case KindGetNodeData:
		if w.NodeID == "" {
			return nil, &ProtocolDecodeError{Reason: "GET_NODE_DATA without node_id"}
		}
		return GetNodeDataEvent{NodeID: w.NodeID}, nil
	case KindNodeData:
		if w.NodeID == "" {
			return nil, &ProtocolDecodeError{Reason: "NODE_DATA without node_id"}
		}
		values := map[string]string{}
		if w.Data != nil && *w.Data != nil {
			values = *w.Data
		}
		return NodeDataEvent{Detail: NodeDetail{
			NodeID:       w.NodeID,
			NodeTitle:    w.NodeTitle,
			FilledValues: values,
		}}, nil
	case KindStart:
		if w.Content == "" {
			return nil, &ProtocolDecodeError{Reason: "START without content"}
		}
		return StartEvent{ID: w.ID, Content: w.Content}, nil
	case KindClear:
		return ClearEvent{}, nil
	case "":
		return nil, &ProtocolDecodeError{Reason: "missing type"}
	default:
		return nil, &ProtocolDecodeError{Reason: fmt.Sprintf("unknown type %q", w.Type)}
	}
}
