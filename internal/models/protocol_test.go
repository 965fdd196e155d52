package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name          string
		payload       string
		expected      Event
		expectedError string
	}{
		{
			name:     "user_message",
			payload:  `{"type":"MESSAGE","id":"m1","role":"user","content":"Connect Shopify to Snowflake"}`,
			expected: MessageEvent{Message: Message{ID: "m1", Role: RoleUser, Type: MessageTypeMessage, Content: "Connect Shopify to Snowflake"}},
		},
		{
			name:     "unknown_fields_ignored",
			payload:  `{"type":"THOUGHT","content":"thinking","confidence":0.4,"extra":{"a":1}}`,
			expected: ThoughtEvent{Content: "thinking"},
		},
		{
			name:     "status_processing",
			payload:  `{"type":"STATUS","status":"processing"}`,
			expected: StatusEvent{Status: StatusProcessing},
		},
		{
			name:     "get_node_data",
			payload:  `{"type":"GET_NODE_DATA","node_id":"shopify"}`,
			expected: GetNodeDataEvent{NodeID: "shopify"},
		},
		{
			name:     "node_data",
			payload:  `{"type":"NODE_DATA","node_id":"shopify","node_title":"Shopify","data":{"store_url":"mystore.myshopify.com"}}`,
			expected: NodeDataEvent{Detail: NodeDetail{NodeID: "shopify", NodeTitle: "Shopify", FilledValues: map[string]string{"store_url": "mystore.myshopify.com"}}},
		},
		{
			name:     "node_data_error",
			payload:  `{"type":"ERROR","content":"node not found","node_id":"ghost"}`,
			expected: ErrorEvent{Content: "node not found", NodeID: "ghost"},
		},
		{
			name:     "start",
			payload:  `{"type":"START","id":"m1","content":"Connect Shopify to Snowflake"}`,
			expected: StartEvent{ID: "m1", Content: "Connect Shopify to Snowflake"},
		},
		{
			name:     "clear",
			payload:  `{"type":"CLEAR"}`,
			expected: ClearEvent{},
		},
		{
			name:          "invalid_json",
			payload:       `{"type":`,
			expectedError: "invalid json",
		},
		{
			name:          "unknown_type",
			payload:       `{"type":"PATCH"}`,
			expectedError: "unknown type",
		},
		{
			name:          "missing_type",
			payload:       `{"content":"hello"}`,
			expectedError: "missing type",
		},
		{
			name:          "invalid_role",
			payload:       `{"type":"MESSAGE","role":"system","content":"x"}`,
			expectedError: "invalid role",
		},
		{
			name:          "message_without_id",
			payload:       `{"type":"MESSAGE","role":"assistant","content":"hello"}`,
			expectedError: "message without id",
		},
		{
			name:          "turn_error_without_id",
			payload:       `{"type":"ERROR","content":"proposer timeout"}`,
			expectedError: "error without id",
		},
		{
			name:     "node_data_without_mapping",
			payload:  `{"type":"NODE_DATA","node_id":"dst","node_title":"Snowflake"}`,
			expected: NodeDataEvent{Detail: NodeDetail{NodeID: "dst", NodeTitle: "Snowflake", FilledValues: map[string]string{}}},
		},
		{
			name:          "invalid_status",
			payload:       `{"type":"STATUS","status":"busy"}`,
			expectedError: "invalid status",
		},
		{
			name:          "node_request_without_id",
			payload:       `{"type":"GET_NODE_DATA"}`,
			expectedError: "without node_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.payload))
			if tt.expectedError != "" {
				require.Error(t, err)
				var decodeErr *ProtocolDecodeError
				assert.True(t, errors.As(err, &decodeErr))
				assert.Contains(t, err.Error(), tt.expectedError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ev)
		})
	}
}

func TestEncodeEvent_AssistantMessage(t *testing.T) {
	graph := WorkflowGraph{
		Nodes: []Node{
			{ID: "shopify", Name: "Shopify", Type: NodeTypeSource, Status: NodeStatusPending, RequiredFields: []string{"store_url"}, ProvidedFields: []string{}},
		},
		Connections: []Connection{},
	}
	msg := NewAssistantMessage("What is your store URL?", graph)

	data, err := EncodeEvent(MessageEvent{Message: msg})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "MESSAGE", raw["type"])
	assert.Equal(t, "assistant", raw["role"])
	assert.Equal(t, false, raw["workflow_complete"])
	assert.Contains(t, raw, "graph")

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	decodedMsg := decoded.(MessageEvent).Message
	assert.Equal(t, msg.ID, decodedMsg.ID)
	assert.Equal(t, graph, *decodedMsg.Graph)
	assert.True(t, msg.Timestamp.Equal(decodedMsg.Timestamp))
}

func TestEncodeEvent_Status(t *testing.T) {
	data, err := EncodeEvent(StatusEvent{Status: StatusProcessing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"STATUS","status":"processing"}`, string(data))
}

func TestEncodeEvent_NodeDataAlwaysCarriesMapping(t *testing.T) {
	data, err := EncodeEvent(NodeDataEvent{Detail: NodeDetail{NodeID: "dst", NodeTitle: "Snowflake"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"NODE_DATA","node_id":"dst","node_title":"Snowflake","data":{}}`, string(data))

	decoded, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{}, decoded.(NodeDataEvent).Detail.FilledValues)
}

func TestErrorEvent_AsMessage(t *testing.T) {
	now := time.Now().UTC()
	ev := ErrorEvent{ID: "e1", Content: "proposer timeout", Timestamp: now}
	msg := ev.AsMessage()
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, "e1", msg.ID)
	assert.False(t, ev.IsNodeData())
}
