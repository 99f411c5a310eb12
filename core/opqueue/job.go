package opqueue

import (
	"encoding/json"
	"fmt"
)

// jobStatus Enum Type
type jobStatus uint8

const (
	// jobPending : waiting to be processed
	jobPending jobStatus = iota
	// jobInFlight : claimed by the worker, processing in progress
	jobInFlight
	// jobComplete : processing complete
	jobComplete
	// jobFailed : processing errored out
	jobFailed
)

type Job struct {
	// Name is the external reference id, here the operation id. It allows
	// lookups against the operation store without decoding Data.
	Name string `json:"name"`
	Type string `json:"type"`
	Data []byte `json:"data"`

	// id assigned by this package from a badger sequence, unique per queue
	ID uint64 `json:"id"`

	// unix milliseconds, stamped on enqueue and on dequeue. ClaimedAt is
	// what the reclamation sweep compares against the dead-worker threshold.
	EnqueuedAt int64 `json:"enqueued_at"`
	ClaimedAt  int64 `json:"claimed_at,omitempty"`
}

func encodeJob(j *Job) ([]byte, error) {
	return json.Marshal(j)
}

func decodeJob(b []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(b, j); err != nil {
		return nil, err
	}
	return j, nil
}

func jobIDString(jID uint64) string {
	return fmt.Sprintf("%020d", jID)
}
