package progress

import (
	"context"
	"strings"

	"github.com/hanzch/qds/internal/cache"
	"github.com/hanzch/qds/pkg/models"
)

// RedisStore keeps ProgressMaps as JSON values under prefix+key
type RedisStore struct {
	client *cache.RedisClient
	prefix string
}

// NewRedisStore returns a Store backed by Redis
func NewRedisStore(client *cache.RedisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Load reads the map for key
func (s *RedisStore) Load(ctx context.Context, key string) (models.ProgressMap, error) {
	var m models.ProgressMap
	found, err := s.client.GetJSON(ctx, s.prefix+key, &m)
	if err != nil {
		return nil, err
	}
	if !found || m == nil {
		return models.ProgressMap{}, nil
	}
	return m, nil
}

// Save writes the map for key without expiry
func (s *RedisStore) Save(ctx context.Context, key string, m models.ProgressMap) error {
	return s.client.SetJSON(ctx, s.prefix+key, m, 0)
}

// Delete removes the map for key
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Delete(ctx, s.prefix+key)
}

// Keys lists the stored keys without the prefix
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"*")
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}
