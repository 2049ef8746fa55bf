// Package redis implements status.KV on Redis. Snapshots are stored as plain
// string values under a configurable key prefix with an optional TTL so stale
// run statuses age out on their own.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/clue/health"
)

const (
	defaultKeyPrefix = "quest:status:"
	statusClientName = "status-redis"
)

type (
	// Options configures the Redis status store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
		// KeyPrefix namespaces the status keys. Defaults to "quest:status:".
		KeyPrefix string
		// TTL expires snapshots after the given duration. Zero keeps them
		// forever.
		TTL time.Duration
	}

	// KV implements status.KV on Redis.
	KV struct {
		client *goredis.Client
		prefix string
		ttl    time.Duration
	}
)

var _ health.Pinger = (*KV)(nil)

// New returns a Redis-backed status store.
func New(opts Options) (*KV, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &KV{client: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

// Name implements health.Pinger.
func (kv *KV) Name() string {
	return statusClientName
}

// Ping implements health.Pinger.
func (kv *KV) Ping(ctx context.Context) error {
	return kv.client.Ping(ctx).Err()
}

// Put overwrites the value stored under key.
func (kv *KV) Put(ctx context.Context, key string, value []byte) error {
	return kv.client.Set(ctx, kv.prefix+key, value, kv.ttl).Err()
}

// Get returns the value stored under key. A missing key is not an error.
func (kv *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := kv.client.Get(ctx, kv.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}
