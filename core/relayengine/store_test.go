package relayengine

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/oprelay/pkg/erc4337/userop"
	"github.com/riftline/oprelay/storage"
)

func testOp(nonce int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x8ba1f109551bd432803012645ac136ddd64dba72"),
		Nonce:                (*hexutil.Big)(big.NewInt(nonce)),
		CallData:             hexutil.Bytes{0x01},
		CallGasLimit:         (*hexutil.Big)(big.NewInt(200000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(21000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(1000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(100)),
	}
}

func newTestStore(t *testing.T) *OperationStore {
	t.Helper()

	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewOperationStore(db)
}

func mustCreate(t *testing.T, s *OperationStore, nonce int64) *OperationRecord {
	t.Helper()

	op := testOp(nonce)
	rec := &OperationRecord{
		ID:          GenerateOperationID(),
		Fingerprint: op.Fingerprint(),
		Payload:     op,
	}
	require.NoError(t, s.Create(rec))
	return rec
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	rec := mustCreate(t, s, 1)

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Zero(t, got.Attempts)
	assert.NotZero(t, got.CreatedAt)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	require.NotNil(t, got.Payload)
	assert.Equal(t, int64(1), got.Payload.Nonce.ToInt().Int64())
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("01J0000000000000000000000")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestHappyPathTransitions(t *testing.T) {
	s := newTestStore(t)
	rec := mustCreate(t, s, 1)

	got, err := s.MarkProcessing(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)

	got, err = s.MarkSubmitted(rec.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.NotZero(t, got.CompletedAt)
	assert.True(t, got.IsTerminal())
}

func TestRetryLoopCountsAttempts(t *testing.T) {
	s := newTestStore(t)
	rec := mustCreate(t, s, 1)

	for i := 1; i <= 3; i++ {
		got, err := s.MarkProcessing(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.Attempts)

		got, err = s.MarkRetry(rec.ID, "upstream timeout")
		require.NoError(t, err)
		assert.Equal(t, StatusRetry, got.Status)
		assert.Equal(t, "upstream timeout", got.LastError)
	}

	got, err := s.MarkProcessing(rec.ID)
	require.NoError(t, err)

	got, err = s.MarkFailed(rec.ID, "upstream timeout")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 4, got.Attempts)
	assert.True(t, got.IsTerminal())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	s := newTestStore(t)
	rec := mustCreate(t, s, 1)

	// queued cannot jump straight to submitted or retry
	_, err := s.MarkSubmitted(rec.ID, "0xabc")
	assert.Error(t, err)

	_, err = s.MarkRetry(rec.ID, "x")
	assert.Error(t, err)

	// terminal records never move again
	_, err = s.MarkProcessing(rec.ID)
	require.NoError(t, err)
	_, err = s.MarkSubmitted(rec.ID, "0xabc")
	require.NoError(t, err)

	_, err = s.MarkProcessing(rec.ID)
	assert.Error(t, err)
	_, err = s.MarkFailed(rec.ID, "x")
	assert.Error(t, err)
}

func TestMarkCancelledOnlyFromWaitingStates(t *testing.T) {
	s := newTestStore(t)
	rec := mustCreate(t, s, 1)

	_, err := s.MarkProcessing(rec.ID)
	require.NoError(t, err)

	// the worker already picked the record up; the cancel must not land
	_, err = s.MarkCancelled(rec.ID, CancelledError)
	assert.ErrorIs(t, err, ErrCannotCancel)

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	// back in retry the cancel wins again
	_, err = s.MarkRetry(rec.ID, "upstream timeout")
	require.NoError(t, err)

	got, err = s.MarkCancelled(rec.ID, CancelledError)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, CancelledError, got.LastError)

	// cancelling twice is a no-op
	_, err = s.MarkCancelled(rec.ID, CancelledError)
	assert.NoError(t, err)
}

func TestQueuedCanFailDirectly(t *testing.T) {
	// cancellation takes a queued record straight to failed
	s := newTestStore(t)
	rec := mustCreate(t, s, 1)

	got, err := s.MarkFailed(rec.ID, CancelledError)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, CancelledError, got.LastError)
}

func TestCount(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	mustCreate(t, s, 1)
	mustCreate(t, s, 2)

	n, err = s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
