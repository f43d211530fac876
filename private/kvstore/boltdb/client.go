// Package boltdb implements kvstore.Store on top of github.com/boltdb/bolt,
// the durable backend for the Trust Store (spec.md §4.4, §6
// "<root>/trust/").
package boltdb

import (
	"context"
	"time"

	"github.com/boltdb/bolt"

	"github.com/dreadstar/meshcore/private/kvstore"
)

// Client is a kvstore.Store backed by a single bolt bucket.
type Client struct {
	db     *bolt.DB
	Bucket []byte
}

// New opens (creating if necessary) a bolt database at path with the
// given bucket name.
func New(path, bucket string) (*Client, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, kvstore.Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		return nil, kvstore.Error.Wrap(err)
	}

	return &Client{db: db, Bucket: []byte(bucket)}, nil
}

// Put stores value under key, overwriting any existing value.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	return kvstore.Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(client.Bucket).Put(key, value)
	}))
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	var value kvstore.Value
	err := client.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(client.Bucket).Get(key)
		if v == nil {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		value = append(kvstore.Value{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key. Deleting a non-existent key is not an error.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) error {
	return kvstore.Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(client.Bucket).Delete(key)
	}))
}

// Range iterates all key/value pairs in key order.
func (client *Client) Range(ctx context.Context, fn kvstore.IterateFunc) error {
	return kvstore.Error.Wrap(client.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(client.Bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := fn(ctx, append(kvstore.Key{}, k...), append(kvstore.Value{}, v...)); err != nil {
				return err
			}
		}
		return nil
	}))
}

// Close closes the underlying database.
func (client *Client) Close() error {
	return kvstore.Error.Wrap(client.db.Close())
}
