package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()

	db, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestIncCounterWithLimit(t *testing.T) {
	db := newTestStorage(t)
	key := []byte("cap:test")

	for i := uint64(1); i <= 3; i++ {
		v, granted, err := db.IncCounterWithLimit(key, 3)
		require.NoError(t, err)
		assert.True(t, granted)
		assert.Equal(t, i, v)
	}

	v, granted, err := db.IncCounterWithLimit(key, 3)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, uint64(3), v)
}

func TestIncCounterWithLimitConcurrent(t *testing.T) {
	db := newTestStorage(t)
	key := []byte("cap:concurrent")

	// every writer is below the limit, so every single one must be granted;
	// an aborted transaction surfacing as an error would show up here
	const writers = 50
	granted := make(chan uint64, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := db.IncCounterWithLimit(key, 100)
			assert.NoError(t, err)
			if ok {
				granted <- v
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	assert.Equal(t, writers, count)

	v, err := db.GetCounter(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), v)
}
