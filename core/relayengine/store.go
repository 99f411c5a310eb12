package relayengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	"github.com/riftline/oprelay/pkg/erc4337/userop"
	"github.com/riftline/oprelay/storage"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSubmitted  Status = "submitted"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
)

// allowed transitions; everything else is rejected
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSubmitted, StatusRetry, StatusFailed},
	StatusRetry:      {StatusProcessing, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OperationRecord is the durable row of one relayed operation. Terminal
// records are kept around for status queries, not deleted.
type OperationRecord struct {
	ID          string                `json:"id"`
	Fingerprint string                `json:"fingerprint"`
	Status      Status                `json:"status"`
	Attempts    int                   `json:"attempts"`
	CreatedAt   int64                 `json:"created_at"`
	CompletedAt int64                 `json:"completed_at,omitempty"`
	TxHash      string                `json:"tx_hash,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	Payload     *userop.UserOperation `json:"payload"`
}

func (r *OperationRecord) IsTerminal() bool {
	return r.Status == StatusSubmitted || r.Status == StatusFailed
}

// GenerateOperationID returns a sortable unique id for a new operation
func GenerateOperationID() string {
	return ulid.Make().String()
}

const opKeyPrefix = "op:"

func OperationKey(id string) []byte {
	return []byte(opKeyPrefix + id)
}

// OperationStore persists operation records as JSON values and owns the
// status state machine: queued → processing → {submitted | retry | failed},
// with retry looping back to processing. Mutations are serialized so a
// status check and its write cannot interleave with another writer.
type OperationStore struct {
	db storage.Storage
	mu sync.Mutex
}

func NewOperationStore(db storage.Storage) *OperationStore {
	return &OperationStore{db: db}
}

func (s *OperationStore) Create(rec *OperationRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	rec.Status = StatusQueued

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Set(OperationKey(rec.ID), b)
}

func (s *OperationStore) Get(id string) (*OperationRecord, error) {
	v, err := s.db.GetKey(OperationKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}

	rec := &OperationRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *OperationStore) save(rec *OperationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(OperationKey(rec.ID), b)
}

// transition loads the record, applies mutate under a status check, and
// saves it back, all under the store lock.
func (s *OperationStore) transition(id string, to Status, mutate func(*OperationRecord)) (*OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if !canTransition(rec.Status, to) {
		return rec, fmt.Errorf("cannot move operation %s from %s to %s", id, rec.Status, to)
	}

	rec.Status = to
	if mutate != nil {
		mutate(rec)
	}

	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkProcessing moves a queued or retry record to processing and counts
// the attempt.
func (s *OperationStore) MarkProcessing(id string) (*OperationRecord, error) {
	return s.transition(id, StatusProcessing, func(rec *OperationRecord) {
		rec.Attempts++
	})
}

func (s *OperationStore) MarkSubmitted(id string, txHash string) (*OperationRecord, error) {
	return s.transition(id, StatusSubmitted, func(rec *OperationRecord) {
		rec.TxHash = txHash
		rec.CompletedAt = time.Now().UnixMilli()
		rec.LastError = ""
	})
}

func (s *OperationStore) MarkRetry(id string, lastError string) (*OperationRecord, error) {
	return s.transition(id, StatusRetry, func(rec *OperationRecord) {
		rec.LastError = lastError
	})
}

func (s *OperationStore) MarkFailed(id string, lastError string) (*OperationRecord, error) {
	return s.transition(id, StatusFailed, func(rec *OperationRecord) {
		rec.LastError = lastError
		rec.CompletedAt = time.Now().UnixMilli()
	})
}

// MarkCancelled fails a record only while it still waits in queued or retry.
// The re-check and the write happen under the store lock, so a cancel can
// never land on an operation whose submission attempt already started.
func (s *OperationStore) MarkCancelled(id string, lastError string) (*OperationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if rec.Status == StatusFailed && rec.LastError == lastError {
		return rec, nil
	}
	if rec.Status != StatusQueued && rec.Status != StatusRetry {
		return rec, fmt.Errorf("%w: status is %s", ErrCannotCancel, rec.Status)
	}

	rec.Status = StatusFailed
	rec.LastError = lastError
	rec.CompletedAt = time.Now().UnixMilli()

	if err := s.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Count returns how many operation records exist, terminal ones included
func (s *OperationStore) Count() (int64, error) {
	return s.db.CountKeysByPrefix([]byte(opKeyPrefix))
}
