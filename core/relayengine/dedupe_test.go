package relayengine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryClaimSingleWinner(t *testing.T) {
	d := NewDedupeIndex(time.Minute, nil)

	owner, ok := d.TryClaim("0xabc:1", "op-1")
	require.True(t, ok)
	assert.Equal(t, "op-1", owner)

	owner, ok = d.TryClaim("0xabc:1", "op-2")
	assert.False(t, ok)
	assert.Equal(t, "op-1", owner)

	// a different fingerprint is untouched
	owner, ok = d.TryClaim("0xabc:2", "op-3")
	assert.True(t, ok)
	assert.Equal(t, "op-3", owner)
}

func TestTryClaimConcurrent(t *testing.T) {
	d := NewDedupeIndex(time.Minute, nil)

	const n = 50
	winners := make(chan string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("op-%d", i)
			if _, ok := d.TryClaim("0xabc:7", id); ok {
				winners <- id
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, d.Len())
}

func TestReleaseFreesFingerprint(t *testing.T) {
	d := NewDedupeIndex(time.Minute, nil)

	_, ok := d.TryClaim("0xabc:1", "op-1")
	require.True(t, ok)

	d.Release("0xabc:1")

	owner, ok := d.TryClaim("0xabc:1", "op-2")
	assert.True(t, ok)
	assert.Equal(t, "op-2", owner)
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDedupeIndex(10*time.Minute, clock)

	_, ok := d.TryClaim("0xabc:1", "op-1")
	require.True(t, ok)

	clock.Advance(9 * time.Minute)
	_, ok = d.TryClaim("0xabc:1", "op-2")
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	owner, ok := d.TryClaim("0xabc:1", "op-3")
	assert.True(t, ok)
	assert.Equal(t, "op-3", owner)
}

func TestSweepDropsOnlyExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDedupeIndex(10*time.Minute, clock)

	d.TryClaim("0xabc:1", "op-1")
	clock.Advance(6 * time.Minute)
	d.TryClaim("0xabc:2", "op-2")

	clock.Advance(5 * time.Minute)

	removed := d.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, d.Len())

	// op-1 expired, op-2 still holds
	_, ok := d.TryClaim("0xabc:1", "op-3")
	assert.True(t, ok)
	_, ok = d.TryClaim("0xabc:2", "op-4")
	assert.False(t, ok)
}
