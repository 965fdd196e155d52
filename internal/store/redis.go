package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/bizmatters/agent-builder/pipeline-builder/internal/models"
)

// RedisStore reads node details stored as JSON values
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix for node details
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL sets the expiration used by Put
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore connects to the Redis server at address
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient creates a store from an existing client
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "pipeline:node:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(nodeID string) string {
	return s.prefix + nodeID
}

// Lookup returns the stored detail for nodeID
func (s *RedisStore) Lookup(ctx context.Context, nodeID string) (*models.NodeDetail, error) {
	val, err := s.client.Get(ctx, s.key(nodeID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, models.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to load node detail from redis: %w", err)
	}

	var detail models.NodeDetail
	if err := json.Unmarshal([]byte(val), &detail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node detail: %w", err)
	}
	detail.NodeID = nodeID
	if detail.FilledValues == nil {
		detail.FilledValues = map[string]string{}
	}
	return &detail, nil
}

// Put writes a node detail
func (s *RedisStore) Put(ctx context.Context, detail models.NodeDetail) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal node detail: %w", err)
	}
	if err := s.client.Set(ctx, s.key(detail.NodeID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save node detail to redis: %w", err)
	}
	return nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
