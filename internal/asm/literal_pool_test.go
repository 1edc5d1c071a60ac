package asm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jatovm/jato-sub002/internal/asm"
)

func TestLiteralPool_LookupOrInsert(t *testing.T) {
	pool := asm.NewLiteralPool(0)

	first, err := pool.LookupOrInsert(0xdeadbeef)
	require.NoError(t, err)
	again, err := pool.LookupOrInsert(0xdeadbeef)
	require.NoError(t, err)
	require.Equal(t, first, again)

	second, err := pool.LookupOrInsert(0xcafebabe)
	require.NoError(t, err)
	require.Equal(t, first+1, second)
	require.Equal(t, []uint64{0xdeadbeef, 0xcafebabe}, pool.Entries())
}

func TestLiteralPool_DistinctValuesIncrease(t *testing.T) {
	pool := asm.NewLiteralPool(0)
	prev := -1
	for v := uint64(0); v < 100; v++ {
		idx, err := pool.LookupOrInsert(v * 0x1_0000_0001)
		require.NoError(t, err)
		require.Greater(t, idx, prev)
		prev = idx
	}
	require.Equal(t, 100, pool.Len())
	require.Equal(t, uint64(3*0x1_0000_0001), pool.Value(3))
}

func TestLiteralPool_Full(t *testing.T) {
	pool := asm.NewLiteralPool(2)
	_, err := pool.LookupOrInsert(1)
	require.NoError(t, err)
	_, err = pool.LookupOrInsert(2)
	require.NoError(t, err)

	// Existing values are still found in a full pool.
	idx, err := pool.LookupOrInsert(1)
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	_, err = pool.LookupOrInsert(3)
	require.True(t, errors.Is(err, asm.ErrResourceExhausted))
}
