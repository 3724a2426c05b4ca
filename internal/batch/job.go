package batch

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Job is a multi-step external workflow: submit work, wait for it, collect
// the results.
type Job interface {
	// Submit starts the job and returns its external ID. An empty ID means
	// there was nothing to submit.
	Submit(ctx context.Context) (string, error)
	// Poll blocks until the job has finished.
	Poll(ctx context.Context, jobID string) error
	// Collect reads the results, reporting each item to rec.
	Collect(ctx context.Context, jobID string, rec Recorder) error
}

// RunJob drives job through submit, poll and collect. When the checkpoint
// already carries an external job ID the job is resumed, never resubmitted.
func (r *Runner) RunJob(ctx context.Context, job Job) (Summary, error) {
	log := zap.L().With(zap.String("checkpoint", r.cp.Path()))

	jobID := r.cp.JobID()
	if jobID == "" {
		id, err := job.Submit(ctx)
		if err != nil {
			return r.Summary(), eris.Wrap(err, "batch: submit job")
		}
		if id == "" {
			log.Info("batch: nothing to submit")
			return r.Summary(), r.Complete()
		}
		jobID = id
		r.cp.SetJobID(jobID)
		if err := r.Flush(); err != nil {
			return r.Summary(), err
		}
		log.Info("batch: job submitted", zap.String("job_id", jobID))
	} else {
		log.Info("batch: resuming job", zap.String("job_id", jobID))
	}

	if err := job.Poll(ctx, jobID); err != nil {
		return r.Summary(), eris.Wrapf(err, "batch: poll job %s", jobID)
	}

	if err := job.Collect(ctx, jobID, r); err != nil {
		if ferr := r.Flush(); ferr != nil {
			log.Warn("batch: checkpoint save failed", zap.Error(ferr))
		}
		if errors.Is(err, ErrCircuitTripped) {
			return r.Summary(), err
		}
		return r.Summary(), eris.Wrapf(err, "batch: collect job %s", jobID)
	}

	return r.Summary(), r.Complete()
}
