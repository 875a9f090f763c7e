package storage

import (
	"context"
	"strings"
	"sync"
)

// KV is a string key/value store backing either durable or ephemeral client state.
// SetMany and Delete are atomic: a concurrent reader or a reload observes all of
// the written keys or none of them.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	SetMany(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Key families. Durable session keys and ephemeral onboarding keys never overlap.
const (
	DurablePrefix   = "auth:"
	EphemeralPrefix = "onboarding:"
)

// Namespace scopes every key of kv under prefix
func Namespace(kv KV, prefix string) KV {
	return &namespaced{kv: kv, prefix: prefix}
}

type namespaced struct {
	kv     KV
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) (string, bool, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *namespaced) SetMany(ctx context.Context, values map[string]string) error {
	scoped := make(map[string]string, len(values))
	for k, v := range values {
		scoped[n.prefix+k] = v
	}
	return n.kv.SetMany(ctx, scoped)
}

func (n *namespaced) Delete(ctx context.Context, keys ...string) error {
	scoped := make([]string, len(keys))
	for i, k := range keys {
		scoped[i] = n.prefix + k
	}
	return n.kv.Delete(ctx, scoped...)
}

// MemoryKV keeps values for the lifetime of the process
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV creates an empty in-memory store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) SetMany(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Keys returns the stored keys with the given prefix
func (m *MemoryKV) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}
