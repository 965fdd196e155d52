package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// Schema creates the node_details table used by PostgresStore
const Schema = `
CREATE TABLE IF NOT EXISTS node_details (
	node_id       TEXT PRIMARY KEY,
	node_title    TEXT NOT NULL,
	filled_values JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore reads node details from the node_details table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Lookup returns the stored detail for nodeID
func (s *PostgresStore) Lookup(ctx context.Context, nodeID string) (*models.NodeDetail, error) {
	detail := models.NodeDetail{NodeID: nodeID}

	err := s.pool.QueryRow(ctx, `
		SELECT node_title, filled_values
		FROM node_details
		WHERE node_id = $1
	`, nodeID).Scan(&detail.NodeTitle, &detail.FilledValues)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get node detail: %w", err)
	}

	if detail.FilledValues == nil {
		detail.FilledValues = map[string]string{}
	}
	return &detail, nil
}

// Upsert writes a node detail. Used by the seeding tool.
func (s *PostgresStore) Upsert(ctx context.Context, detail models.NodeDetail) error {
	values := detail.FilledValues
	if values == nil {
		values = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO node_details (node_id, node_title, filled_values, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (node_id) DO UPDATE
		SET node_title = EXCLUDED.node_title,
		    filled_values = EXCLUDED.filled_values,
		    updated_at = NOW()
	`, detail.NodeID, detail.NodeTitle, values)
	if err != nil {
		return fmt.Errorf("failed to upsert node detail: %w", err)
	}
	return nil
}

// EnsureSchema creates the node_details table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create node_details table: %w", err)
	}
	return nil
}
