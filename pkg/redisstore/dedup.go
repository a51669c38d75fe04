package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces dedup keys
const DefaultPrefix = "replyrouter:dedup:"

// SetNXer is the subset of the redis client used by DedupStore
type SetNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

var _ SetNXer = (*redis.Client)(nil)

// DedupStore claims inbound message ids with SET NX and a TTL so expiry is
// handled by redis itself
type DedupStore struct {
	client SetNXer
	prefix string
}

// NewDedupStore creates a dedup store. An empty prefix uses DefaultPrefix.
func NewDedupStore(client SetNXer, prefix string) *DedupStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DedupStore{client: client, prefix: prefix}
}

// NewClient builds a redis client from a redis:// url
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Claim returns true when this caller set the key first
func (s *DedupStore) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+id, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim message id: %w", err)
	}
	return ok, nil
}
