package proposer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

func propose(t *testing.T, p Proposer, req Request) (*Result, []string) {
	t.Helper()
	stream, err := p.Propose(context.Background(), req)
	require.NoError(t, err)

	var thoughts []string
	result, err := Collect(stream, func(s string) { thoughts = append(thoughts, s) })
	require.NoError(t, err)
	return result, thoughts
}

func TestCatalogProposer_ShopifyToSnowflake(t *testing.T) {
	p := NewCatalogProposer(nil)

	result, thoughts := propose(t, p, Request{SessionID: "s1", Description: "Connect Shopify to Snowflake"})

	assert.NotEmpty(t, thoughts)
	assert.False(t, result.Graph.Complete)
	require.Len(t, result.Graph.Nodes, 2)

	shopify := result.Graph.Nodes[0]
	assert.Equal(t, "Shopify", shopify.Name)
	assert.Equal(t, models.NodeTypeSource, shopify.Type)
	assert.Equal(t, []string{"store_url"}, shopify.RequiredFields)
	assert.Empty(t, shopify.ProvidedFields)
	assert.Equal(t, models.NodeStatusPending, shopify.Status)

	snowflake := result.Graph.Nodes[1]
	assert.Equal(t, "Snowflake", snowflake.Name)
	assert.Equal(t, models.NodeTypeDestination, snowflake.Type)
	assert.Equal(t, []string{"account_id"}, snowflake.RequiredFields)

	assert.Equal(t, []models.Connection{{SourceNodeID: "shopify", TargetNodeID: "snowflake"}}, result.Graph.Connections)
	assert.Equal(t, "What is the store url for Shopify?", result.FollowupQuestion)
	assert.Equal(t, &models.FieldRef{NodeID: "shopify", Field: "store_url"}, result.Awaiting)
	assert.NoError(t, result.Graph.Validate())
}

func TestCatalogProposer_AnswerFillsAwaitedField(t *testing.T) {
	p := NewCatalogProposer(nil)
	first, _ := propose(t, p, Request{SessionID: "s1", Description: "Connect Shopify to Snowflake"})

	second, _ := propose(t, p, Request{
		SessionID:  "s1",
		Answer:     "mystore.myshopify.com",
		PriorGraph: &first.Graph,
		Awaiting:   first.Awaiting,
	})

	shopify, ok := second.Graph.Node("shopify")
	require.True(t, ok)
	assert.Equal(t, []string{"store_url"}, shopify.ProvidedFields)
	assert.Equal(t, models.NodeStatusComplete, shopify.Status)
	assert.Equal(t, map[string]map[string]string{"shopify": {"store_url": "mystore.myshopify.com"}}, second.FieldValues)
	assert.Equal(t, &models.FieldRef{NodeID: "snowflake", Field: "account_id"}, second.Awaiting)
	assert.NoError(t, second.Graph.Validate())
}

func TestCatalogProposer_InvalidAnswerMarksNodeError(t *testing.T) {
	p := NewCatalogProposer(nil)
	first, _ := propose(t, p, Request{SessionID: "s1", Description: "Connect Shopify to Snowflake"})

	bad, _ := propose(t, p, Request{SessionID: "s1", Answer: "mystore", PriorGraph: &first.Graph, Awaiting: first.Awaiting})
	shopify, _ := bad.Graph.Node("shopify")
	assert.Equal(t, models.NodeStatusError, shopify.Status)
	assert.Empty(t, shopify.ProvidedFields)
	assert.Equal(t, first.Awaiting, bad.Awaiting)
	assert.Contains(t, bad.FollowupQuestion, "store url")

	good, _ := propose(t, p, Request{SessionID: "s1", Answer: "mystore.myshopify.com", PriorGraph: &bad.Graph, Awaiting: bad.Awaiting})
	shopify, _ = good.Graph.Node("shopify")
	assert.Equal(t, models.NodeStatusComplete, shopify.Status)
}

func TestCatalogProposer_ConfirmationCompletesGraph(t *testing.T) {
	p := NewCatalogProposer(nil)
	res, _ := propose(t, p, Request{SessionID: "s1", Description: "Connect Shopify to Snowflake"})
	res, _ = propose(t, p, Request{SessionID: "s1", Answer: "mystore.myshopify.com", PriorGraph: &res.Graph, Awaiting: res.Awaiting})
	res, _ = propose(t, p, Request{SessionID: "s1", Answer: "xy12345", PriorGraph: &res.Graph, Awaiting: res.Awaiting})

	assert.True(t, res.Graph.AllNodesComplete())
	assert.False(t, res.Graph.Complete, "all nodes complete still awaits confirmation")
	assert.Nil(t, res.Awaiting)
	assert.Contains(t, res.FollowupQuestion, "finalize")

	notYet, _ := propose(t, p, Request{SessionID: "s1", Answer: "hmm", PriorGraph: &res.Graph})
	assert.False(t, notYet.Graph.Complete)

	done, _ := propose(t, p, Request{SessionID: "s1", Answer: "Yes!", PriorGraph: &res.Graph})
	assert.True(t, done.Graph.Complete)
}

func TestCatalogProposer_TransformsAndDualRoles(t *testing.T) {
	p := NewCatalogProposer(nil)
	res, _ := propose(t, p, Request{SessionID: "s1", Description: "Copy Postgres into S3 and dedupe the rows"})

	require.Len(t, res.Graph.Nodes, 3)
	assert.Equal(t, "postgres", res.Graph.Nodes[0].ID)
	assert.Equal(t, models.NodeTypeSource, res.Graph.Nodes[0].Type)
	assert.Equal(t, models.NodeTypeTransform, res.Graph.Nodes[1].Type)
	assert.Equal(t, "s3", res.Graph.Nodes[2].ID)
	assert.Equal(t, models.NodeTypeDestination, res.Graph.Nodes[2].Type)
	assert.Equal(t, []models.Connection{
		{SourceNodeID: "postgres", TargetNodeID: "deduplicate"},
		{SourceNodeID: "deduplicate", TargetNodeID: "s3"},
	}, res.Graph.Connections)
}

func TestCatalogProposer_AnswerMentioningNewConnectorRebuilds(t *testing.T) {
	p := NewCatalogProposer(nil)
	first, _ := propose(t, p, Request{SessionID: "s1", Description: "Connect Shopify to Snowflake"})
	filled, _ := propose(t, p, Request{SessionID: "s1", Answer: "mystore.myshopify.com", PriorGraph: &first.Graph, Awaiting: first.Awaiting})

	transcript := []models.Message{
		models.NewUserMessage("", "Connect Shopify to Snowflake"),
		models.NewUserMessage("", "mystore.myshopify.com"),
		models.NewUserMessage("", "Also pull from Stripe"),
	}
	res, _ := propose(t, p, Request{SessionID: "s1", Answer: "Also pull from Stripe", Transcript: transcript, PriorGraph: &filled.Graph})

	ids := make([]string, 0, len(res.Graph.Nodes))
	for _, n := range res.Graph.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"shopify", "stripe", "snowflake"}, ids)

	shopify, _ := res.Graph.Node("shopify")
	assert.Equal(t, models.NodeStatusComplete, shopify.Status, "provided fields survive a rebuild")
}

func TestCatalogProposer_NothingRecognised(t *testing.T) {
	p := NewCatalogProposer(nil)
	res, _ := propose(t, p, Request{SessionID: "s1", Description: "make it work"})
	assert.Empty(t, res.Graph.Nodes)
	assert.Nil(t, res.Awaiting)
	assert.Contains(t, res.FollowupQuestion, "could not recognise")
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := `
connectors:
  - id: hubspot
    name: HubSpot
    aliases: [hubspot, crm]
    roles: [source]
    required_fields: [portal_id]
  - id: duckdb
    name: DuckDB
    roles: [destination]
    required_fields: [path]
transforms:
  - id: mask
    name: Mask PII
    keywords: [mask, redact]
    required_fields: [columns]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	res, _ := propose(t, NewCatalogProposer(catalog), Request{SessionID: "s1", Description: "Load the CRM into DuckDB and redact emails"})
	require.Len(t, res.Graph.Nodes, 3)
	assert.Equal(t, "hubspot", res.Graph.Nodes[0].ID)
	assert.Equal(t, "mask", res.Graph.Nodes[1].ID)
	assert.Equal(t, "duckdb", res.Graph.Nodes[2].ID)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		expectedError string
	}{
		{
			name:          "bad_yaml",
			content:       "connectors: [",
			expectedError: "failed to parse catalog",
		},
		{
			name:          "missing_roles",
			content:       "connectors:\n  - id: a\n    name: A\n",
			expectedError: "declares no roles",
		},
		{
			name:          "transform_role",
			content:       "connectors:\n  - id: a\n    name: A\n    roles: [transform]\n",
			expectedError: "invalid role",
		},
		{
			name:          "duplicate_ids",
			content:       "connectors:\n  - id: a\n    name: A\n    roles: [source]\ntransforms:\n  - id: a\n    name: B\n    keywords: [b]\n",
			expectedError: "duplicate catalog id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}
