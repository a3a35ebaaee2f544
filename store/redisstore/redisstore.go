// Package redisstore persists session state in Redis so several processes of the
// same client installation can share one session.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/chimerakang/authkit-go/store"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces keys when none is given.
const DefaultPrefix = "authkit:"

// Backend is a store.Backend over a Redis client.
type Backend struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ store.Backend = (*Backend)(nil)

// New wraps an existing client. If prefix is empty, DefaultPrefix is used.
func New(rdb redis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{rdb: rdb, prefix: prefix}
}

// Dial creates a client from a URL (for example redis://:pass@host:6379/0) and
// pings it so configuration errors surface at startup.
func Dial(ctx context.Context, redisURL, prefix string) (*Backend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("authkit/redisstore: parse url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("authkit/redisstore: ping: %w", err)
	}
	return New(rdb, prefix), nil
}

func (b *Backend) key(k string) string { return b.prefix + k }

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := b.rdb.Get(ctx, b.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	return b.rdb.Set(ctx, b.key(key), value, 0).Err()
}

// Delete removes all keys in one MULTI/EXEC transaction.
func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := b.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, b.key(k))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Backend) Close() error { return b.rdb.Close() }
