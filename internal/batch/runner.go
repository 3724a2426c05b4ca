package batch

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/resilience"
)

// ErrCircuitTripped aborts a batch after too many consecutive failures,
// which usually means a provider-wide outage rather than missing data.
var ErrCircuitTripped = eris.New("batch: circuit breaker tripped")

// Defaults for NewRunner.
const (
	DefaultCheckpointEvery        = 10
	DefaultMaxConsecutiveFailures = 10
)

// Outcome classifies one processed item.
type Outcome int

const (
	// OutcomeSucceeded resets the failure streak.
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed extends the failure streak.
	OutcomeFailed
	// OutcomeCached is served entirely from cache and leaves the streak alone.
	OutcomeCached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCached:
		return "cached"
	default:
		return "unknown"
	}
}

// Summary holds running counts for a batch.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cached    int `json:"cached"`
	Skipped   int `json:"skipped"`
}

// Recorder is the per-item bookkeeping a Job reports into.
type Recorder interface {
	ShouldSkip(id int64) bool
	Record(id int64, outcome Outcome, err error) error
}

// Runner tracks item outcomes against a checkpoint and a circuit breaker.
// It is safe for concurrent Record calls.
type Runner struct {
	cp        *Checkpoint
	breaker   *resilience.CircuitBreaker
	every     int
	threshold int

	mu        sync.Mutex
	summary   Summary
	sinceSave int
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpointEvery saves the checkpoint after every n recorded items.
func WithCheckpointEvery(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.every = n
		}
	}
}

// WithMaxConsecutiveFailures sets the breaker threshold.
func WithMaxConsecutiveFailures(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// NewRunner creates a runner over cp.
func NewRunner(cp *Checkpoint, opts ...Option) *Runner {
	r := &Runner{
		cp:        cp,
		every:     DefaultCheckpointEvery,
		threshold: DefaultMaxConsecutiveFailures,
	}
	for _, o := range opts {
		o(r)
	}
	r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: r.threshold,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("batch: circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
				zap.Int("threshold", r.threshold),
			)
		},
	})
	return r
}

// Checkpoint returns the runner's checkpoint.
func (r *Runner) Checkpoint() *Checkpoint { return r.cp }

// Summary returns the running counts.
func (r *Runner) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// ShouldSkip reports, and counts, items already in the checkpoint.
func (r *Runner) ShouldSkip(id int64) bool {
	if !r.cp.Processed(id) {
		return false
	}
	r.mu.Lock()
	r.summary.Skipped++
	r.mu.Unlock()
	return true
}

// Record books one item. Succeeded and cached items enter the checkpoint;
// failed items stay out of it so a resumed run retries them. It returns
// ErrCircuitTripped once the failure streak reaches the threshold.
func (r *Runner) Record(id int64, outcome Outcome, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Processed++
	switch outcome {
	case OutcomeSucceeded:
		r.summary.Succeeded++
		r.breaker.Record(nil)
		r.cp.MarkProcessed(id)
	case OutcomeCached:
		r.summary.Cached++
		r.cp.MarkProcessed(id)
	default:
		r.summary.Failed++
		if err == nil {
			err = eris.Errorf("batch: item %d failed", id)
		}
		r.breaker.Record(err)
	}

	r.sinceSave++
	if r.sinceSave >= r.every {
		r.sinceSave = 0
		if serr := r.cp.Save(); serr != nil {
			zap.L().Warn("batch: checkpoint save failed", zap.Error(serr))
		}
	}

	if r.breaker.Tripped() {
		if serr := r.cp.Save(); serr != nil {
			zap.L().Warn("batch: checkpoint save failed", zap.Error(serr))
		}
		return ErrCircuitTripped
	}
	return nil
}

// Flush saves the checkpoint, e.g. before exiting on interruption.
func (r *Runner) Flush() error {
	return r.cp.Save()
}

// Complete deletes the checkpoint after a clean finish.
func (r *Runner) Complete() error {
	return r.cp.Delete()
}

// ItemFunc processes one item. A non-nil error counts as OutcomeFailed.
type ItemFunc func(ctx context.Context, id int64) (Outcome, error)

// RunItems processes ids in order. The stop signal is checked between
// items only; the item in flight runs on an uncancellable context.
func (r *Runner) RunItems(ctx context.Context, ids []int64, fn ItemFunc) (Summary, error) {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			if ferr := r.Flush(); ferr != nil {
				zap.L().Warn("batch: checkpoint save failed", zap.Error(ferr))
			}
			return r.Summary(), eris.Wrap(err, "batch: interrupted")
		}
		if r.ShouldSkip(id) {
			continue
		}

		outcome, err := fn(context.WithoutCancel(ctx), id)
		if err != nil {
			outcome = OutcomeFailed
			zap.L().Debug("batch: item failed", zap.Int64("id", id), zap.Error(err))
		}
		if rerr := r.Record(id, outcome, err); rerr != nil {
			return r.Summary(), rerr
		}
	}

	if err := r.Complete(); err != nil {
		return r.Summary(), err
	}
	return r.Summary(), nil
}
