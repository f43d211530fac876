// Package kvstore defines the small ordered key/value contract used
// for local durable state: the Trust Store's observation records
// (spec.md §4.4) are built on top of it, the same way storj.io/storj
// layers pointer and piece metadata stores over a single kvstore.Store
// abstraction. The Verifier's replay cache is held in memory and does
// not use it.
package kvstore

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the class of all kvstore errors.
var Error = errs.Class("kvstore")

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errs.Class("key not found")

// Key is a store key.
type Key []byte

// Value is a stored value.
type Value []byte

func (key Key) String() string { return string(key) }

// Item is a single key/value pair, optionally marked deleted for
// testsuite bookkeeping.
type Item struct {
	Key     Key
	Value   Value
	IsEmpty bool
}

// Items is a sortable list of Item by Key.
type Items []Item

func (items Items) Len() int { return len(items) }
func (items Items) Less(i, k int) bool {
	return string(items[i].Key) < string(items[k].Key)
}
func (items Items) Swap(i, k int) { items[i], items[k] = items[k], items[i] }

// CloneItems returns a deep copy of items.
func CloneItems(items Items) Items {
	clone := make(Items, len(items))
	for i, item := range items {
		clone[i] = Item{
			Key:   append(Key{}, item.Key...),
			Value: append(Value{}, item.Value...),
		}
	}
	return clone
}

// IterateFunc is invoked by Range for each stored key/value pair, in
// key order, until it returns an error or the store is exhausted.
type IterateFunc func(ctx context.Context, key Key, value Value) error

// Store is the minimal ordered key/value contract. Implementations
// (boltdb, in-memory teststore) must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key Key, value Value) error
	Get(ctx context.Context, key Key) (Value, error)
	Delete(ctx context.Context, key Key) error
	Range(ctx context.Context, fn IterateFunc) error
	Close() error
}

// PutAll puts every item into store.
func PutAll(ctx context.Context, store Store, items ...Item) error {
	for _, item := range items {
		if err := store.Put(ctx, item.Key, item.Value); err != nil {
			return err
		}
	}
	return nil
}
