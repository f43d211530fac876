// Package teststore is an in-memory kvstore.Store used in unit tests
// that don't need real durability, keeping the conformance suite fast.
package teststore

import (
	"context"
	"sort"
	"sync"

	"github.com/dreadstar/meshcore/private/kvstore"
)

// Store is an in-memory, sorted kvstore.Store.
type Store struct {
	mu   sync.Mutex
	data map[string]kvstore.Value
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: map[string]kvstore.Value{}}
}

// Put implements kvstore.Store.
func (store *Store) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data[string(key)] = append(kvstore.Value{}, value...)
	return nil
}

// Get implements kvstore.Store.
func (store *Store) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	value, ok := store.data[string(key)]
	if !ok {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return append(kvstore.Value{}, value...), nil
}

// Delete implements kvstore.Store.
func (store *Store) Delete(ctx context.Context, key kvstore.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.data, string(key))
	return nil
}

// Range implements kvstore.Store.
func (store *Store) Range(ctx context.Context, fn kvstore.IterateFunc) error {
	store.mu.Lock()
	keys := make([]string, 0, len(store.data))
	for k := range store.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make([]kvstore.Item, 0, len(keys))
	for _, k := range keys {
		snapshot = append(snapshot, kvstore.Item{Key: kvstore.Key(k), Value: store.data[k]})
	}
	store.mu.Unlock()

	for _, item := range snapshot {
		if err := fn(ctx, item.Key, item.Value); err != nil {
			return err
		}
	}
	return nil
}

// Close implements kvstore.Store.
func (store *Store) Close() error { return nil }
