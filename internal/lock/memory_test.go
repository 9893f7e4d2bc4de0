package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFailsFastWhileHeld(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	release, err := m.TryLock(ctx, "10.8.0.2")
	require.NoError(t, err)
	assert.True(t, m.Held("10.8.0.2"))

	_, err = m.TryLock(ctx, "10.8.0.2")
	require.ErrorIs(t, err, ErrLocked)

	other, err := m.TryLock(ctx, "other-host")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	require.NoError(t, release(ctx))
	assert.False(t, m.Held("10.8.0.2"))

	again, err := m.TryLock(ctx, "10.8.0.2")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestMemoryOnlyOneConcurrentWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryLock(ctx, "host"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
