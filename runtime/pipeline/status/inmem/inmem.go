// Package inmem provides an in-memory status.KV for testing and local
// development. Production deployments should use features/status/redis.
package inmem

import (
	"context"
	"sync"
)

// KV implements status.KV with a mutex-guarded map. Values are copied on read
// and write.
type KV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// New constructs an empty KV.
func New() *KV {
	return &KV{values: make(map[string][]byte)}
}

// Put overwrites the value stored under key.
func (k *KV) Put(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = append([]byte(nil), value...)
	return nil
}

// Get returns the value stored under key.
func (k *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}
