package relayengine

import (
	"encoding/json"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"

	"github.com/riftline/oprelay/core/opqueue"
	"github.com/riftline/oprelay/metrics"
	"github.com/riftline/oprelay/pkg/erc4337/userop"
)

// JobTypeSubmit tags queue jobs carrying a user operation submission
const JobTypeSubmit = "submit_userop"

// Engine is the intake side of the relay: it validates, dedupes, records
// and enqueues operations, and answers status/cancel/stat queries. Chain
// I/O never happens here; that is the processor's job.
type Engine struct {
	store  *OperationStore
	dedupe *DedupeIndex
	queue  *opqueue.Queue

	// terminal records never change again, so they are safe to cache
	cache  *bigcache.BigCache
	logger sdklogging.Logger
	m      *metrics.RelayMetrics
}

func NewEngine(store *OperationStore, dedupe *DedupeIndex, queue *opqueue.Queue, cache *bigcache.BigCache, m *metrics.RelayMetrics, logger sdklogging.Logger) *Engine {
	return &Engine{
		store:  store,
		dedupe: dedupe,
		queue:  queue,
		cache:  cache,
		logger: logger,
		m:      m,
	}
}

// Submit validates and queues one operation. It returns the assigned id, or
// a DuplicateError carrying the id already holding the same (sender, nonce).
// The call never touches the chain and never blocks on the worker.
func (e *Engine) Submit(op *userop.UserOperation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	// reject oversized gas fields now rather than at submission time
	if _, err := userop.Pack(op); err != nil {
		return "", err
	}

	fingerprint := op.Fingerprint()
	id := GenerateOperationID()

	owner, claimed := e.dedupe.TryClaim(fingerprint, id)
	if !claimed {
		e.m.IncDuplicates()
		return owner, &DuplicateError{ExistingID: owner}
	}

	rec := &OperationRecord{
		ID:          id,
		Fingerprint: fingerprint,
		Payload:     op,
	}
	if err := e.store.Create(rec); err != nil {
		e.dedupe.Release(fingerprint)
		return "", fmt.Errorf("persist operation: %w", err)
	}

	if _, err := e.queue.Enqueue(JobTypeSubmit, id, nil); err != nil {
		e.dedupe.Release(fingerprint)
		return "", fmt.Errorf("enqueue operation: %w", err)
	}

	e.m.IncReceived()
	e.logger.Info("operation queued", "op_id", id, "fingerprint", fingerprint)
	return id, nil
}

// Status returns the current record for an operation id
func (e *Engine) Status(id string) (*OperationRecord, error) {
	if e.cache != nil {
		if b, err := e.cache.Get(id); err == nil {
			rec := &OperationRecord{}
			if jerr := json.Unmarshal(b, rec); jerr == nil {
				return rec, nil
			}
		}
	}

	rec, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	if rec.IsTerminal() && e.cache != nil {
		if b, merr := json.Marshal(rec); merr == nil {
			e.cache.Set(id, b)
		}
	}

	return rec, nil
}

// Cancel fails a queued or retry operation and frees its fingerprint.
// Cancelling an already-cancelled operation is a no-op; anything past the
// queue (processing, submitted) cannot be cancelled.
func (e *Engine) Cancel(id string) error {
	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}

	if rec.Status == StatusFailed && rec.LastError == CancelledError {
		return nil
	}

	if rec.Status != StatusQueued && rec.Status != StatusRetry {
		return fmt.Errorf("%w: status is %s", ErrCannotCancel, rec.Status)
	}

	// the status is re-checked under the store lock: losing the race to the
	// worker means a chain call is already in flight and the cancel must not
	// land on it
	if _, err := e.store.MarkCancelled(id, CancelledError); err != nil {
		return err
	}

	e.dedupe.Release(rec.Fingerprint)
	e.logger.Info("operation cancelled", "op_id", id)
	return nil
}

// Stats reports the live queue depth alongside cumulative totals
type Stats struct {
	PendingDepth    int64 `json:"pending_depth"`
	TotalOperations int64 `json:"total_operations"`
	ActiveClaims    int   `json:"active_claims"`
}

func (e *Engine) Stats() (*Stats, error) {
	depth, err := e.queue.Depth()
	if err != nil {
		return nil, err
	}

	total, err := e.store.Count()
	if err != nil {
		return nil, err
	}

	e.m.SetPendingDepth(float64(depth))

	return &Stats{
		PendingDepth:    depth,
		TotalOperations: total,
		ActiveClaims:    e.dedupe.Len(),
	}, nil
}
