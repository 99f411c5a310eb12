package relayengine

import "errors"

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrSubmissionFailed  = errors.New("submission failed")
	ErrCannotCancel      = errors.New("operation can no longer be cancelled")
)

// API-facing messages, kept as constants so handlers and tests agree
const (
	DuplicateSubmissionError = "duplicate submission"
	CancelledError           = "cancelled"
	DryRunSubmittedHash      = "0x0"
)

// DuplicateError carries the id of the operation that already owns the
// fingerprint, so the API can return it alongside the rejection.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return DuplicateSubmissionError
}
