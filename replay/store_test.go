package replay

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreMarkAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	assert.Equal(t, Unused, s.Lookup(ctx, "0xPayer", "42"))

	require.NoError(t, s.MarkUsed(ctx, "0xPayer", "42", "0xToken", "0xhash"))
	assert.Equal(t, Used, s.Lookup(ctx, "0xPayer", "42"))

	// payer matching is case-insensitive
	assert.Equal(t, Used, s.Lookup(ctx, "0xpayer", "42"))

	// different nonce for the same payer stays free
	assert.Equal(t, Unused, s.Lookup(ctx, "0xPayer", "43"))
}

func TestMemoryStoreMarkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.MarkUsed(ctx, "0xPayer", "42", "0xToken", "0xfirst"))
	require.NoError(t, s.MarkUsed(ctx, "0xPayer", "42", "0xToken", "0xsecond"))

	// first writer wins
	s.mu.RLock()
	defer s.mu.RUnlock()
	assert.Equal(t, "0xfirst", s.used[Key("0xPayer", "42")].txID)
}

func TestMemoryStoreConcurrentMark(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.MarkUsed(ctx, "0xPayer", "same", "0xToken", "0xhash")
		}()
	}
	wg.Wait()

	assert.Equal(t, Used, s.Lookup(ctx, "0xpayer", "same"))
}

func TestMemoryStoreIsNotDurable(t *testing.T) {
	assert.False(t, NewMemoryStore().Durable())
}

func TestKeyNormalizesPayerOnly(t *testing.T) {
	assert.Equal(t, Key("0xABC", "0xDEF"), Key("0xabc", "0xDEF"))
	assert.NotEqual(t, Key("0xabc", "0xdef"), Key("0xabc", "0xDEF"))
}
