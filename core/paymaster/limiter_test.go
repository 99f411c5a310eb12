package paymaster

import (
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/oprelay/storage"
)

func newTestLimiter(t *testing.T, limit uint64, clock clockwork.Clock) *UsageLimiter {
	t.Helper()

	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewUsageLimiter(db, limit, 24*time.Hour, clock)
}

var testWallet = common.HexToAddress("0x8ba1f109551bd432803012645ac136ddd64dba72")

func TestReserveUpToLimit(t *testing.T) {
	l := newTestLimiter(t, 3, nil)

	for i := uint64(1); i <= 3; i++ {
		used, err := l.Reserve(testWallet, "market")
		require.NoError(t, err)
		assert.Equal(t, i, used)
	}

	_, err := l.Reserve(testWallet, "market")
	assert.ErrorIs(t, err, ErrLimitReached)

	used, err := l.Used(testWallet, "market")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), used)
}

func TestReserveIsolatesScopesAndWallets(t *testing.T) {
	l := newTestLimiter(t, 1, nil)

	_, err := l.Reserve(testWallet, "market")
	require.NoError(t, err)

	// other scope, same wallet
	_, err = l.Reserve(testWallet, "transfer")
	assert.NoError(t, err)

	// other wallet, same scope
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")
	_, err = l.Reserve(other, "market")
	assert.NoError(t, err)
}

func TestReserveConcurrentNeverExceedsLimit(t *testing.T) {
	l := newTestLimiter(t, 5, nil)

	const n = 20
	granted := make(chan struct{}, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(testWallet, "market"); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	assert.Equal(t, 5, count)

	used, err := l.Used(testWallet, "market")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), used)
}

func TestWindowRollResetsUsage(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := newTestLimiter(t, 1, clock)

	_, err := l.Reserve(testWallet, "market")
	require.NoError(t, err)
	_, err = l.Reserve(testWallet, "market")
	assert.ErrorIs(t, err, ErrLimitReached)

	clock.Advance(24 * time.Hour)

	_, err = l.Reserve(testWallet, "market")
	assert.NoError(t, err)
}

func TestResetClearsCurrentWindow(t *testing.T) {
	l := newTestLimiter(t, 1, nil)

	_, err := l.Reserve(testWallet, "market")
	require.NoError(t, err)

	require.NoError(t, l.Reset(testWallet, "market"))

	used, err := l.Used(testWallet, "market")
	require.NoError(t, err)
	assert.Zero(t, used)

	_, err = l.Reserve(testWallet, "market")
	assert.NoError(t, err)
}
