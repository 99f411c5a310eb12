package relayengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"github.com/riftline/oprelay/core/opqueue"
	"github.com/riftline/oprelay/metrics"
	"github.com/riftline/oprelay/pkg/erc4337/userop"
)

// ChainSubmitter is the one call the processor makes per attempt
type ChainSubmitter interface {
	SendPackedOperation(ctx context.Context, op *userop.PackedUserOperation, entrypoint common.Address) (string, error)
}

// Error shapes from upstream bundlers that retrying cannot fix
var defaultFatalPatterns = []string{
	"AA23",
	"AA24 signature error",
	"invalid signature",
	"-32602",
}

type ProcessorConfig struct {
	Entrypoint    common.Address
	MaxAttempts   int
	RetryBase     time.Duration
	CallTimeout   time.Duration
	FatalPatterns []string
}

// SubmissionProcessor performs queued submission jobs: re-pack the stored
// payload, make exactly one upstream call, and route the outcome through
// the state machine. Retries come back as scheduled re-enqueues, never as
// sleeps inside the worker loop.
type SubmissionProcessor struct {
	store     *OperationStore
	dedupe    *DedupeIndex
	queue     *opqueue.Queue
	submitter ChainSubmitter
	scheduler gocron.Scheduler

	cfg    ProcessorConfig
	logger sdklogging.Logger
	m      *metrics.RelayMetrics
}

func NewSubmissionProcessor(store *OperationStore, dedupe *DedupeIndex, queue *opqueue.Queue, submitter ChainSubmitter, scheduler gocron.Scheduler, cfg ProcessorConfig, m *metrics.RelayMetrics, logger sdklogging.Logger) *SubmissionProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if len(cfg.FatalPatterns) == 0 {
		cfg.FatalPatterns = defaultFatalPatterns
	}

	return &SubmissionProcessor{
		store:     store,
		dedupe:    dedupe,
		queue:     queue,
		submitter: submitter,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		m:         m,
	}
}

func (p *SubmissionProcessor) Perform(j *opqueue.Job) error {
	id := j.Name

	rec, err := p.store.Get(id)
	if err != nil {
		if errors.Is(err, ErrOperationNotFound) {
			p.logger.Warn("queued job without a record, dropping", "op_id", id)
			return nil
		}
		return err
	}

	// cancelled or completed while sitting in the queue
	if rec.IsTerminal() {
		return nil
	}

	// a record still in processing belongs to a reclaimed job; its attempt
	// was already counted, so don't count it again
	if rec.Status != StatusProcessing {
		if rec, err = p.store.MarkProcessing(id); err != nil {
			return err
		}
	}

	packed, err := userop.Pack(rec.Payload)
	if err != nil {
		// encoding problems never fix themselves
		return p.fail(rec, fmt.Sprintf("pack: %v", err))
	}

	if p.submitter == nil {
		// dry-run mode: no upstream configured, mark submitted with a zero hash
		if _, err := p.store.MarkSubmitted(id, DryRunSubmittedHash); err != nil {
			return err
		}
		p.m.IncSubmitted()
		p.logger.Info("no upstream configured, marking submitted", "op_id", id)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CallTimeout)
	defer cancel()

	txHash, sendErr := p.submitter.SendPackedOperation(ctx, packed, p.cfg.Entrypoint)
	if sendErr == nil {
		if _, err := p.store.MarkSubmitted(id, txHash); err != nil {
			return err
		}
		p.m.IncSubmitted()
		p.logger.Info("operation submitted", "op_id", id, "tx_hash", txHash, "attempts", rec.Attempts)
		return nil
	}

	if p.isFatal(sendErr) || rec.Attempts >= p.cfg.MaxAttempts {
		return p.fail(rec, sendErr.Error())
	}

	return p.scheduleRetry(rec, sendErr)
}

// fail moves the record to terminal failure and frees its fingerprint so
// the sender can submit a corrected operation
func (p *SubmissionProcessor) fail(rec *OperationRecord, lastError string) error {
	if _, err := p.store.MarkFailed(rec.ID, lastError); err != nil {
		return err
	}

	p.dedupe.Release(rec.Fingerprint)
	p.m.IncFailed()
	p.logger.Error("operation failed", "op_id", rec.ID, "attempts", rec.Attempts, "last_error", lastError)
	return fmt.Errorf("%w: %s", ErrSubmissionFailed, lastError)
}

func (p *SubmissionProcessor) scheduleRetry(rec *OperationRecord, sendErr error) error {
	if _, err := p.store.MarkRetry(rec.ID, sendErr.Error()); err != nil {
		return err
	}

	delay := p.backoff(rec.Attempts)
	id := rec.ID

	_, err := p.scheduler.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(func() {
			if _, qerr := p.queue.Enqueue(JobTypeSubmit, id, nil); qerr != nil {
				p.logger.Error("failed to re-enqueue for retry", "op_id", id, "error", qerr)
			}
		}),
	)
	if err != nil {
		// no scheduler slot means no retry will ever come; fail now instead
		// of stranding the record in retry forever
		return p.fail(rec, fmt.Sprintf("schedule retry: %v", err))
	}

	p.m.IncRetried()
	p.logger.Info("attempt failed, retry scheduled", "op_id", id, "attempts", rec.Attempts, "delay", delay.String(), "error", sendErr.Error())
	return nil
}

// backoff returns base * 2^(attempts-1)
func (p *SubmissionProcessor) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := uint(attempts - 1)
	if shift > 16 {
		shift = 16
	}
	return p.cfg.RetryBase * time.Duration(1<<shift)
}

func (p *SubmissionProcessor) isFatal(err error) bool {
	msg := err.Error()
	for _, pattern := range p.cfg.FatalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
