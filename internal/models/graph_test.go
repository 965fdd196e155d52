package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		required []string
		provided []string
		errored  bool
		expected NodeStatus
	}{
		{
			name:     "nothing_provided",
			required: []string{"store_url", "api_key"},
			provided: nil,
			expected: NodeStatusPending,
		},
		{
			name:     "some_provided",
			required: []string{"store_url", "api_key"},
			provided: []string{"api_key"},
			expected: NodeStatusPartial,
		},
		{
			name:     "all_provided",
			required: []string{"store_url", "api_key"},
			provided: []string{"store_url", "api_key"},
			expected: NodeStatusComplete,
		},
		{
			name:     "no_required_fields_is_complete",
			required: []string{},
			provided: []string{},
			expected: NodeStatusComplete,
		},
		{
			name:     "nil_required_fields_is_complete",
			required: nil,
			provided: nil,
			expected: NodeStatusComplete,
		},
		{
			name:     "error_overrides_complete",
			required: []string{"store_url"},
			provided: []string{"store_url"},
			errored:  true,
			expected: NodeStatusError,
		},
		{
			name:     "error_overrides_pending",
			required: []string{"store_url"},
			errored:  true,
			expected: NodeStatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveStatus(tt.required, tt.provided, tt.errored))
		})
	}
}

func TestMergeFields(t *testing.T) {
	shopify := Node{
		ID:             "shopify",
		Name:           "Shopify",
		Type:           NodeTypeSource,
		Status:         NodeStatusPending,
		RequiredFields: []string{"store_url", "api_key"},
		ProvidedFields: []string{},
	}

	t.Run("union_and_partial", func(t *testing.T) {
		merged, err := MergeFields(shopify, []string{"api_key"})
		require.NoError(t, err)
		assert.Equal(t, []string{"api_key"}, merged.ProvidedFields)
		assert.Equal(t, NodeStatusPartial, merged.Status)
		assert.Empty(t, shopify.ProvidedFields, "input node must not be mutated")
	})

	t.Run("complete_keeps_required_order", func(t *testing.T) {
		partial, err := MergeFields(shopify, []string{"api_key"})
		require.NoError(t, err)
		merged, err := MergeFields(partial, []string{"store_url", "api_key"})
		require.NoError(t, err)
		assert.Equal(t, []string{"store_url", "api_key"}, merged.ProvidedFields)
		assert.Equal(t, NodeStatusComplete, merged.Status)
	})

	t.Run("unknown_field_rejected", func(t *testing.T) {
		merged, err := MergeFields(shopify, []string{"password"})
		require.Error(t, err)

		var fieldErr *InvalidFieldError
		require.True(t, errors.As(err, &fieldErr))
		assert.Equal(t, "shopify", fieldErr.NodeID)
		assert.Equal(t, "password", fieldErr.Field)
		assert.Equal(t, shopify, merged)
	})

	t.Run("error_status_is_sticky", func(t *testing.T) {
		broken := shopify.Clone()
		broken.Status = NodeStatusError
		merged, err := MergeFields(broken, []string{"store_url", "api_key"})
		require.NoError(t, err)
		assert.Equal(t, NodeStatusError, merged.Status)
	})
}

func TestReplaceGraph(t *testing.T) {
	old := WorkflowGraph{
		Nodes: []Node{
			{ID: "a", Name: "A", Type: NodeTypeSource, Status: NodeStatusComplete, RequiredFields: []string{}, ProvidedFields: []string{}},
			{ID: "b", Name: "B", Type: NodeTypeDestination, Status: NodeStatusComplete, RequiredFields: []string{}, ProvidedFields: []string{}},
		},
		Connections: []Connection{{SourceNodeID: "a", TargetNodeID: "b"}},
	}
	next := WorkflowGraph{
		Nodes: []Node{
			{ID: "c", Name: "C", Type: NodeTypeSource, Status: NodeStatusPending, RequiredFields: []string{"x"}, ProvidedFields: []string{}},
		},
		Connections: []Connection{},
	}

	replaced := ReplaceGraph(old, next)
	assert.Equal(t, next, replaced)

	replaced.Nodes[0].Name = "mutated"
	assert.Equal(t, "C", next.Nodes[0].Name, "replacement must be a deep copy")
}

func TestWorkflowGraph_Validate(t *testing.T) {
	valid := func() WorkflowGraph {
		return WorkflowGraph{
			Nodes: []Node{
				{ID: "src", Name: "Shopify", Type: NodeTypeSource, Status: NodeStatusPending, RequiredFields: []string{"store_url"}, ProvidedFields: []string{}},
				{ID: "dst", Name: "Snowflake", Type: NodeTypeDestination, Status: NodeStatusPending, RequiredFields: []string{"account_id"}, ProvidedFields: []string{}},
			},
			Connections: []Connection{{SourceNodeID: "src", TargetNodeID: "dst"}},
		}
	}

	tests := []struct {
		name          string
		mutate        func(g *WorkflowGraph)
		expectedError string
	}{
		{
			name:   "valid_graph",
			mutate: func(g *WorkflowGraph) {},
		},
		{
			name:          "duplicate_ids",
			mutate:        func(g *WorkflowGraph) { g.Nodes[1].ID = "src" },
			expectedError: "duplicate node id",
		},
		{
			name:          "invalid_type",
			mutate:        func(g *WorkflowGraph) { g.Nodes[0].Type = "sink" },
			expectedError: "invalid type",
		},
		{
			name:          "self_loop",
			mutate:        func(g *WorkflowGraph) { g.Connections[0].TargetNodeID = "src" },
			expectedError: "self-loop",
		},
		{
			name:          "dangling_target",
			mutate:        func(g *WorkflowGraph) { g.Connections[0].TargetNodeID = "ghost" },
			expectedError: "is not a node",
		},
		{
			name:          "provided_not_required",
			mutate:        func(g *WorkflowGraph) { g.Nodes[0].ProvidedFields = []string{"password"} },
			expectedError: "not a required field",
		},
		{
			name:          "status_inconsistent",
			mutate:        func(g *WorkflowGraph) { g.Nodes[0].Status = NodeStatusComplete },
			expectedError: "expected \"pending\"",
		},
		{
			name: "error_status_allowed",
			mutate: func(g *WorkflowGraph) {
				g.Nodes[0].Status = NodeStatusError
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := valid()
			tt.mutate(&g)
			err := g.Validate()
			if tt.expectedError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeGraph(t *testing.T) {
	t.Run("drops_undeclared_fields_and_recomputes_status", func(t *testing.T) {
		in := WorkflowGraph{
			Nodes: []Node{
				{ID: "src", Name: "Shopify", Type: NodeTypeSource, Status: NodeStatusPending, RequiredFields: []string{"store_url"}, ProvidedFields: []string{"store_url", "password"}},
			},
		}

		out, rejected, err := NormalizeGraph(in)
		require.NoError(t, err)
		require.Len(t, rejected, 1)

		var fieldErr *InvalidFieldError
		require.True(t, errors.As(rejected[0], &fieldErr))
		assert.Equal(t, "password", fieldErr.Field)

		assert.Equal(t, []string{"store_url"}, out.Nodes[0].ProvidedFields)
		assert.Equal(t, NodeStatusComplete, out.Nodes[0].Status)
		assert.NoError(t, out.Validate())
	})

	t.Run("keeps_error_status", func(t *testing.T) {
		in := WorkflowGraph{
			Nodes: []Node{
				{ID: "src", Name: "Shopify", Type: NodeTypeSource, Status: NodeStatusError, RequiredFields: []string{"store_url"}},
			},
		}
		out, _, err := NormalizeGraph(in)
		require.NoError(t, err)
		assert.Equal(t, NodeStatusError, out.Nodes[0].Status)
	})

	t.Run("removes_bad_connections", func(t *testing.T) {
		in := WorkflowGraph{
			Nodes: []Node{
				{ID: "a", Name: "A", Type: NodeTypeSource},
				{ID: "b", Name: "B", Type: NodeTypeDestination},
			},
			Connections: []Connection{
				{SourceNodeID: "a", TargetNodeID: "b"},
				{SourceNodeID: "a", TargetNodeID: "b"},
				{SourceNodeID: "a", TargetNodeID: "a"},
				{SourceNodeID: "a", TargetNodeID: "ghost"},
			},
		}
		out, _, err := NormalizeGraph(in)
		require.NoError(t, err)
		assert.Equal(t, []Connection{{SourceNodeID: "a", TargetNodeID: "b"}}, out.Connections)
		assert.NoError(t, out.Validate())
	})

	t.Run("rejects_duplicate_ids", func(t *testing.T) {
		in := WorkflowGraph{
			Nodes: []Node{
				{ID: "a", Name: "A", Type: NodeTypeSource},
				{ID: "a", Name: "A2", Type: NodeTypeDestination},
			},
		}
		_, _, err := NormalizeGraph(in)
		assert.Error(t, err)
	})
}

func TestNode_MissingFields(t *testing.T) {
	n := Node{RequiredFields: []string{"a", "b", "c"}, ProvidedFields: []string{"b"}}
	assert.Equal(t, []string{"a", "c"}, n.MissingFields())
}
