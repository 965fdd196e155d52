// Package store provides read-only lookup of filled node configuration.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// DetailStore resolves the filled configuration of a node. Implementations
// return models.ErrNodeNotFound when the node is unknown.
type DetailStore interface {
	Lookup(ctx context.Context, nodeID string) (*models.NodeDetail, error)
}

// MemoryStore is an in-process DetailStore
type MemoryStore struct {
	mu      sync.RWMutex
	details map[string]models.NodeDetail
}

// NewMemoryStore creates a store holding details
func NewMemoryStore(details ...models.NodeDetail) *MemoryStore {
	s := &MemoryStore{details: make(map[string]models.NodeDetail)}
	for _, d := range details {
		s.Put(d)
	}
	return s
}

// Put adds or replaces a node detail
func (s *MemoryStore) Put(detail models.NodeDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details[detail.NodeID] = copyDetail(detail)
}

// Lookup returns the stored detail for nodeID
func (s *MemoryStore) Lookup(ctx context.Context, nodeID string) (*models.NodeDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.details[nodeID]
	if !ok {
		return nil, models.ErrNodeNotFound
	}
	out := copyDetail(d)
	return &out, nil
}

// Chain queries stores in order and returns the first hit
type Chain []DetailStore

// Lookup returns the first detail found. A store failure is returned only
// when no later store knows the node.
func (c Chain) Lookup(ctx context.Context, nodeID string) (*models.NodeDetail, error) {
	var firstErr error
	for _, s := range c {
		detail, err := s.Lookup(ctx, nodeID)
		if err == nil {
			return detail, nil
		}
		if !errors.Is(err, models.ErrNodeNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, models.ErrNodeNotFound
}

func copyDetail(d models.NodeDetail) models.NodeDetail {
	values := make(map[string]string, len(d.FilledValues))
	for k, v := range d.FilledValues {
		values[k] = v
	}
	d.FilledValues = values
	return d
}
