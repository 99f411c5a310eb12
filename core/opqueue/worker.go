package opqueue

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"

	"github.com/riftline/oprelay/storage"
)

type JobProcessor interface {
	Perform(j *Job) error
}

// A worker monitors the queue and hands each job to the processor
// registered for its type
type Worker struct {
	q  *Queue
	db storage.Storage

	processorRegistry map[string]JobProcessor
	logger            sdklogging.Logger
}

func NewWorker(q *Queue, db storage.Storage) *Worker {
	return &Worker{
		q:      q,
		db:     db,
		logger: q.logger,

		processorRegistry: make(map[string]JobProcessor),
	}
}

func (w *Worker) RegisterProcessor(jobType string, processor JobProcessor) error {
	w.processorRegistry[jobType] = processor

	return nil
}

func (w *Worker) loop() {
	for {
		select {
		case jid := <-w.q.eventCh:
			w.drain(jid)
		case <-w.q.closeCh: // loop was stopped
			return
		}
	}
}

// drain keeps dequeuing until the pending list is empty. Wake-up events are
// dropped when their buffer is full, so one event never maps to one job.
func (w *Worker) drain(jid uint64) {
	for {
		job, err := w.q.Dequeue()
		if err != nil {
			w.logger.Error("failed to dequeue", "error", err, "job_id", jid)
			return
		}
		if job == nil {
			// pending list exhausted, or the event's job was reclaimed
			return
		}
		w.process(job)
	}
}

func (w *Worker) process(job *Job) {
	processor, ok := w.processorRegistry[job.Type]
	if !ok {
		w.logger.Info("unsupported job type", "job_type", job.Type, "job_id", job.ID)
		w.q.markJobDone(job, jobFailed)
		return
	}

	if err := processor.Perform(job); err == nil {
		w.q.markJobDone(job, jobComplete)
	} else {
		w.q.markJobDone(job, jobFailed)
		w.logger.Error("failed to perform job", "error", err, "job_id", job.ID, "op_id", job.Name)
	}
}

func (w *Worker) MustStart() {
	go func() {
		w.loop()
	}()
}
