// Package statestore provides the abstract KV state store described in
// SPEC_FULL.md §4.3, with memory and Redis backings.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// BackendErrorKind distinguishes unreachable-backend errors from other
// failures, per spec.md §6 ("State backend contract").
type BackendErrorKind string

const (
	KindUnavailable BackendErrorKind = "io_unavailable"
)

// BackendError wraps a backend I/O failure with a distinguishable kind.
type BackendError struct {
	Kind BackendErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("statestore: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Store is the abstract KV contract. Values are opaque JSON.
type Store interface {
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string, out any) (found bool, err error)
	Delete(ctx context.Context, key string) (deleted bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// Memory is a process-local, concurrency-safe Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = raw
	return nil
}

func (m *Memory) Get(_ context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("statestore: unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.data[key]
	delete(m.data, key)
	return existed, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Redis is a Store backed by a single JSON-encoded string key per logical
// key, with no TTL, as spec.md §4.3 mandates.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client as a Store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return &BackendError{Kind: KindUnavailable, Op: "SET", Key: key, Err: err}
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string, out any) (bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, &BackendError{Kind: KindUnavailable, Op: "GET", Key: key, Err: err}
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(val, out); err != nil {
		return true, fmt.Errorf("statestore: unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, &BackendError{Kind: KindUnavailable, Op: "DEL", Key: key, Err: err}
	}
	return n > 0, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, &BackendError{Kind: KindUnavailable, Op: "EXISTS", Key: key, Err: err}
	}
	return n > 0, nil
}

func (r *Redis) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, &BackendError{Kind: KindUnavailable, Op: "SCAN", Key: prefix, Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}
