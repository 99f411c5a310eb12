package relayengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftline/oprelay/core/opqueue"
	"github.com/riftline/oprelay/metrics"
	"github.com/riftline/oprelay/pkg/erc4337/userop"
	"github.com/riftline/oprelay/pkg/logger"
	"github.com/riftline/oprelay/storage"
)

// fakeSubmitter returns queued errors first, then succeeds with hash
type fakeSubmitter struct {
	hash  string
	errs  []error
	calls int
}

func (s *fakeSubmitter) SendPackedOperation(ctx context.Context, op *userop.PackedUserOperation, entrypoint common.Address) (string, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	return s.hash, nil
}

type processorFixture struct {
	engineFixture
	processor *SubmissionProcessor
	submitter *fakeSubmitter
	scheduler gocron.Scheduler
}

func newProcessorFixture(t *testing.T, submitter *fakeSubmitter, cfg ProcessorConfig) *processorFixture {
	t.Helper()

	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewOperationStore(db)
	dedupe := NewDedupeIndex(time.Hour, nil)

	q := opqueue.New(db, logger.NewNoOpLogger(), &opqueue.QueueOption{Prefix: "op"})
	require.NoError(t, q.MustStart())

	scheduler, err := gocron.NewScheduler()
	require.NoError(t, err)
	t.Cleanup(func() { scheduler.Shutdown() })

	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	e := NewEngine(store, dedupe, q, nil, m, logger.NewNoOpLogger())

	var chain ChainSubmitter
	if submitter != nil {
		chain = submitter
	}

	p := NewSubmissionProcessor(store, dedupe, q, chain, scheduler, cfg, m, logger.NewNoOpLogger())

	return &processorFixture{
		engineFixture: engineFixture{engine: e, store: store, dedupe: dedupe, queue: q},
		processor:     p,
		submitter:     submitter,
		scheduler:     scheduler,
	}
}

func (f *processorFixture) submitAndPerform(t *testing.T, nonce int64) (string, error) {
	t.Helper()

	id, err := f.engine.Submit(testOp(nonce))
	require.NoError(t, err)

	return id, f.processor.Perform(&opqueue.Job{Type: JobTypeSubmit, Name: id, ID: 1})
}

func TestPerformSubmitsOperation(t *testing.T) {
	sub := &fakeSubmitter{hash: "0x123abc"}
	f := newProcessorFixture(t, sub, ProcessorConfig{})

	id, err := f.submitAndPerform(t, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sub.calls)

	rec, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Equal(t, "0x123abc", rec.TxHash)
	assert.Equal(t, 1, rec.Attempts)

	// the claim stays with a submitted operation
	_, claimErr := f.engine.Submit(testOp(1))
	assert.Error(t, claimErr)
}

func TestPerformDryRunWithoutUpstream(t *testing.T) {
	f := newProcessorFixture(t, nil, ProcessorConfig{})

	id, err := f.submitAndPerform(t, 1)
	require.NoError(t, err)

	rec, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Equal(t, DryRunSubmittedHash, rec.TxHash)
}

func TestPerformRetriesOnTransientError(t *testing.T) {
	sub := &fakeSubmitter{
		hash: "0x123abc",
		errs: []error{errors.New("connection refused")},
	}
	f := newProcessorFixture(t, sub, ProcessorConfig{MaxAttempts: 3})

	id, err := f.submitAndPerform(t, 1)
	require.NoError(t, err)

	rec, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "connection refused")

	// second attempt, as the scheduled re-enqueue would drive it
	require.NoError(t, f.processor.Perform(&opqueue.Job{Type: JobTypeSubmit, Name: id, ID: 2}))

	rec, err = f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestPerformFailsAfterMaxAttempts(t *testing.T) {
	sub := &fakeSubmitter{
		errs: []error{
			errors.New("connection refused"),
			errors.New("connection refused"),
		},
	}
	f := newProcessorFixture(t, sub, ProcessorConfig{MaxAttempts: 2})

	id, err := f.submitAndPerform(t, 1)
	require.NoError(t, err)

	err = f.processor.Perform(&opqueue.Job{Type: JobTypeSubmit, Name: id, ID: 2})
	assert.ErrorIs(t, err, ErrSubmissionFailed)

	rec, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	// terminal failure frees the fingerprint for a corrected resubmission
	_, err = f.engine.Submit(testOp(1))
	assert.NoError(t, err)
}

func TestPerformFatalErrorSkipsRetry(t *testing.T) {
	sub := &fakeSubmitter{
		errs: []error{errors.New("AA24 signature error")},
	}
	f := newProcessorFixture(t, sub, ProcessorConfig{MaxAttempts: 5})

	id, err := f.submitAndPerform(t, 1)
	assert.ErrorIs(t, err, ErrSubmissionFailed)

	rec, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, sub.calls)
}

func TestPerformSkipsCancelledOperation(t *testing.T) {
	sub := &fakeSubmitter{hash: "0x123abc"}
	f := newProcessorFixture(t, sub, ProcessorConfig{})

	id, err := f.engine.Submit(testOp(1))
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(id))

	require.NoError(t, f.processor.Perform(&opqueue.Job{Type: JobTypeSubmit, Name: id, ID: 1}))
	assert.Zero(t, sub.calls)

	rec, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
}

func TestPerformMissingRecordIsDropped(t *testing.T) {
	sub := &fakeSubmitter{hash: "0x123abc"}
	f := newProcessorFixture(t, sub, ProcessorConfig{})

	err := f.processor.Perform(&opqueue.Job{Type: JobTypeSubmit, Name: "01J0000000000000000000000", ID: 1})
	assert.NoError(t, err)
	assert.Zero(t, sub.calls)
}

func TestBackoffDoubles(t *testing.T) {
	f := newProcessorFixture(t, &fakeSubmitter{}, ProcessorConfig{RetryBase: time.Second})

	assert.Equal(t, time.Second, f.processor.backoff(1))
	assert.Equal(t, 2*time.Second, f.processor.backoff(2))
	assert.Equal(t, 4*time.Second, f.processor.backoff(3))
	assert.Equal(t, 8*time.Second, f.processor.backoff(4))
}
