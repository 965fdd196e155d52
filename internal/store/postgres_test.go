package store

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// Requires a reachable database; skipped otherwise
func TestPostgresStore_Integration(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, pool.Ping(ctx))

	s := NewPostgresStore(pool)
	require.NoError(t, s.EnsureSchema(ctx))

	nodeID := "test-node-" + t.Name()
	defer pool.Exec(ctx, "DELETE FROM node_details WHERE node_id = $1", nodeID)

	require.NoError(t, s.Upsert(ctx, models.NodeDetail{
		NodeID:       nodeID,
		NodeTitle:    "Shopify",
		FilledValues: map[string]string{"store_url": "mystore.myshopify.com"},
	}))

	detail, err := s.Lookup(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, "Shopify", detail.NodeTitle)
	assert.Equal(t, "mystore.myshopify.com", detail.FilledValues["store_url"])

	require.NoError(t, s.Upsert(ctx, models.NodeDetail{NodeID: nodeID, NodeTitle: "Shopify Plus"}))
	detail, err = s.Lookup(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, "Shopify Plus", detail.NodeTitle)
	assert.Empty(t, detail.FilledValues)

	_, err = s.Lookup(ctx, "no-such-node")
	assert.ErrorIs(t, err, models.ErrNodeNotFound)
}
