package opqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/riftline/oprelay/storage"
)

type Queue struct {
	db storage.Storage

	seq    storage.Sequence
	dbLock sync.Mutex

	eventCh chan uint64
	closeCh chan bool

	prefix string
	logger sdklogging.Logger
}

type QueueOption struct {
	Prefix string
}

func New(db storage.Storage, logger sdklogging.Logger, opts *QueueOption) *Queue {
	q := Queue{
		db:     db,
		dbLock: sync.Mutex{},
		logger: logger,

		eventCh: make(chan uint64, 1000),
		closeCh: make(chan bool),
	}

	q.prefix = "d"
	if opts != nil && opts.Prefix != "" {
		q.prefix = opts.Prefix
	}

	return &q
}

// start Queue, panic if there is any error
func (q *Queue) MustStart() error {
	var err error
	q.seq, err = q.db.GetSequence([]byte("q:seq:"+q.prefix), 1000)

	if err != nil {
		panic(err)
	}

	// pending jobs from a previous run have no event waiting for them, so
	// re-fire them now
	items, err := q.db.GetByPrefix(q.getQueueKeyPrefix(jobPending))
	if err != nil {
		return err
	}
	for _, item := range items {
		j, derr := decodeJob(item.Value)
		if derr != nil {
			q.logger.Error("skip undecodable pending job", "key", string(item.Key), "error", derr)
			continue
		}
		q.notify(j.ID)
	}

	return nil
}

// notify wakes the worker up. The pending list in the database is
// authoritative and the worker drains it fully on each wake-up, so when the
// buffer is full the event can be dropped without losing the job.
func (q *Queue) notify(jID uint64) {
	select {
	case q.eventCh <- jID:
	default:
	}
}

// Recover reclaims in-flight jobs whose claim is older than threshold. When
// the process dies mid-job the entry stays in the in-flight list; the sweep
// puts it back on pending and fires an event for it.
func (q *Queue) Recover(threshold time.Duration) (int, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	items, err := q.db.GetByPrefix(q.getQueueKeyPrefix(jobInFlight))
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-threshold).UnixMilli()
	reclaimed := 0

	for _, item := range items {
		j, derr := decodeJob(item.Value)
		if derr != nil {
			q.logger.Error("skip undecodable in-flight job", "key", string(item.Key), "error", derr)
			continue
		}
		if j.ClaimedAt > cutoff {
			continue
		}

		j.ClaimedAt = 0
		b, eerr := encodeJob(j)
		if eerr != nil {
			return reclaimed, eerr
		}

		if merr := q.db.MoveValue(item.Key, q.getJobKey(jobPending, j.ID), b); merr != nil {
			return reclaimed, merr
		}

		reclaimed++
		q.notify(j.ID)
	}

	return reclaimed, nil
}

// stop Queue and release resources
func (q *Queue) Stop() error {
	close(q.closeCh)
	// release sequence to avoid wasting counter
	return q.seq.Release()
}

// Depth returns how many jobs sit in the pending list
func (q *Queue) Depth() (int64, error) {
	return q.db.CountKeysByPrefix(q.getQueueKeyPrefix(jobPending))
}

func getNextSeq(seq storage.Sequence) (num uint64, err error) {
	defer func() {
		r := recover()
		if r != nil {
			// recover from panic and send err instead
			err = r.(error)
		}
	}()

	num, err = seq.Next()
	return num, err
}

// Enqueue writes a new Job onto the pending list and fires its event
func (q *Queue) Enqueue(jobType string, name string, data []byte) (uint64, error) {
	num, err := getNextSeq(q.seq)
	if err != nil {
		return 0, err
	}

	j := &Job{
		Type: jobType,
		Name: name,
		Data: data,

		ID:         num + 1,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	jKey := q.getJobKey(jobPending, j.ID)

	b, err := encodeJob(j)
	if err != nil {
		return 0, err
	}

	if err = q.db.Set(jKey, b); err != nil {
		return 0, err
	}
	q.notify(j.ID)

	return j.ID, nil
}

// Dequeue moves the next pending job to the in-flight list, stamping its
// claim time. The move happens in a single storage transaction; that
// boundary is what keeps one job with one consumer.
func (q *Queue) Dequeue() (*Job, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	prefix := q.getQueueKeyPrefix(jobPending)
	k, v, err := q.db.FirstKVHasPrefix(prefix)
	if err != nil {
		return nil, err
	}

	// there is no more job
	if k == nil {
		return nil, nil
	}

	j, err := decodeJob(v)
	if err != nil {
		return nil, err
	}

	j.ClaimedAt = time.Now().UnixMilli()
	b, err := encodeJob(j)
	if err != nil {
		return nil, err
	}

	if err = q.db.MoveValue(k, q.getJobKey(jobInFlight, j.ID), b); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			// another consumer won the move
			return nil, nil
		}
		return nil, err
	}

	return j, nil
}

// PurgeDone deletes complete and failed job entries older than retention.
// Operation records stay; only the queue's own bookkeeping is trimmed.
func (q *Queue) PurgeDone(retention time.Duration) (int, error) {
	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	cutoff := time.Now().Add(-retention).UnixMilli()
	purged := 0

	for _, status := range []jobStatus{jobComplete, jobFailed} {
		items, err := q.db.GetByPrefix(q.getQueueKeyPrefix(status))
		if err != nil {
			return purged, err
		}

		for _, item := range items {
			j, derr := decodeJob(item.Value)
			if derr == nil {
				stamp := j.ClaimedAt
				if stamp == 0 {
					stamp = j.EnqueuedAt
				}
				if stamp > cutoff {
					continue
				}
			}

			if err := q.db.Delete(item.Key); err != nil {
				return purged, err
			}
			purged++
		}
	}

	return purged, nil
}

// markJobDone moves a job from the in-flight list to complete/failed
func (q *Queue) markJobDone(job *Job, status jobStatus) error {
	if status != jobComplete && status != jobFailed {
		return errors.New("can only move to complete or failed status")
	}

	src := q.getJobKey(jobInFlight, job.ID)
	dest := q.getJobKey(status, job.ID)

	q.dbLock.Lock()
	defer q.dbLock.Unlock()

	return q.db.Move(src, dest)
}

func (q *Queue) getQueueKeyPrefix(status jobStatus) []byte {
	return []byte(fmt.Sprintf("q:%s:%v:", q.prefix, status))
}

func (q *Queue) getJobKey(status jobStatus, jID uint64) []byte {
	return append(q.getQueueKeyPrefix(status), []byte(jobIDString(jID))...)
}
