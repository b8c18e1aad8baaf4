// Package redisstore persists fixtures in Redis.
//
// Records are stored as plain string values under "<prefix>:<set>:<key>",
// so fixtures can be shared between machines running the same test suite.
package redisstore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/akupila/ephemeral"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "ephemeral"

// Backend implements ephemeral.Backend on top of a Redis client.
type Backend struct {
	client redis.UniversalClient
	prefix string
}

var _ ephemeral.Backend = (*Backend)(nil)

// New creates a Backend using client. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

// Open connects to the Redis server at url, e.g. redis://localhost:6379/0.
func Open(url string) (*Backend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts), ""), nil
}

// Close closes the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) setPrefix(set string) string {
	return b.prefix + ":" + set + ":"
}

func (b *Backend) key(set, key string) string {
	return b.setPrefix(set) + key
}

// List implements ephemeral.Backend.
func (b *Backend) List(ctx context.Context, set string) ([]string, error) {
	prefix := b.setPrefix(set)
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Read implements ephemeral.Backend.
func (b *Backend) Read(ctx context.Context, set, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key(set, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.New("not found")
	}
	return data, err
}

// Write implements ephemeral.Backend.
func (b *Backend) Write(ctx context.Context, set, key string, data []byte) error {
	return b.client.Set(ctx, b.key(set, key), data, 0).Err()
}

// Delete implements ephemeral.Backend.
func (b *Backend) Delete(ctx context.Context, set, key string) error {
	return b.client.Del(ctx, b.key(set, key)).Err()
}
