// Package testsuite is a conformance suite shared by every kvstore.Store
// implementation (boltdb, in-memory teststore), run once per
// implementation so the Trust Store's persistence layer is exercised
// identically regardless of backend.
package testsuite

import (
	"context"
	"testing"

	"github.com/dreadstar/meshcore/internal/testcontext"
	"github.com/dreadstar/meshcore/private/kvstore"
)

// RunTests runs the full conformance suite against store.
func RunTests(t *testing.T, store kvstore.Store) {
	t.Run("CRUD", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()
		testCRUD(t, ctx, store)
	})
	t.Run("Range", func(t *testing.T) {
		ctx := testcontext.New(t)
		defer ctx.Cleanup()
		testRange(t, ctx, store)
	})
}

// RunBenchmarks runs the suite's benchmarks against store.
func RunBenchmarks(b *testing.B, store kvstore.Store) {
	ctx := context.Background()
	b.Run("Put", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			item := newItem(randomKey(i), "value", false)
			if err := store.Put(ctx, item.Key, item.Value); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func randomKey(i int) string {
	return string(rune('a' + i%26))
}

func newItem(key, value string, isEmpty bool) kvstore.Item {
	return kvstore.Item{
		Key:     kvstore.Key(key),
		Value:   kvstore.Value(value),
		IsEmpty: isEmpty,
	}
}

func cleanupItems(t *testing.T, ctx *testcontext.Context, store kvstore.Store, items kvstore.Items) {
	for _, item := range items {
		_ = store.Delete(ctx, item.Key)
	}
}
