package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/model"
)

// BatchProgress is emitted after every processed subject.
type BatchProgress struct {
	Index     int     `json:"index"`
	Total     int     `json:"total"`
	Attempted int     `json:"attempted"`
	Succeeded int     `json:"succeeded"`
	Errored   int     `json:"errored"`
	Skipped   int     `json:"skipped"`
	CostUSD   float64 `json:"cost_usd"`
}

// BatchOptions are the batch hooks. All are optional.
type BatchOptions struct {
	// Skip reports subjects already handled, e.g. recorded in a checkpoint.
	Skip func(model.Subject) bool
	// AfterSubject receives each result in input order, on a context that
	// is not cancelled with the batch. A non-nil error halts the batch and
	// is returned from EnrichBatch.
	AfterSubject func(ctx context.Context, res *model.EnrichmentResult) error
	// OnProgress receives running counts.
	OnProgress func(BatchProgress)
}

// BatchResult is the outcome of EnrichBatch. Results preserve input order
// and are partial when the batch stopped early.
type BatchResult struct {
	Results     []*model.EnrichmentResult
	Progress    BatchProgress
	BudgetHit   bool
	Interrupted bool
	Remaining   int
}

// Succeeded reports whether a subject counts as a success in batch totals:
// evidence was found and, when synthesis ran, it produced a result.
func Succeeded(res *model.EnrichmentResult) bool {
	return len(res.RawEvidence) > 0 && res.SynthesisError == ""
}

// EnrichBatch enriches subjects strictly sequentially. It stops once the
// batch spend reaches MaxCostPerBatch, when ctx is cancelled, or when
// AfterSubject fails. Cancellation is observed only between subjects; the
// subject in flight runs to completion.
func (o *Orchestrator) EnrichBatch(ctx context.Context, subjects []model.Subject, opts BatchOptions) (*BatchResult, error) {
	out := &BatchResult{Progress: BatchProgress{Total: len(subjects)}}
	p := &out.Progress
	first := true

	for i, subject := range subjects {
		if ctx.Err() != nil {
			out.Interrupted = true
			out.Remaining = len(subjects) - i
			break
		}
		if opts.Skip != nil && opts.Skip(subject) {
			p.Skipped++
			continue
		}

		if !first {
			if err := o.sleep(ctx, o.settings.InterSubjectDelay); err != nil {
				out.Interrupted = true
				out.Remaining = len(subjects) - i
				break
			}
		}
		first = false

		subjectCtx := context.WithoutCancel(ctx)
		res, err := o.Enrich(subjectCtx, subject)
		if err != nil {
			return out, err
		}
		out.Results = append(out.Results, res)

		p.Index = i + 1
		p.Attempted++
		if Succeeded(res) {
			p.Succeeded++
		} else {
			p.Errored++
		}
		p.CostUSD += res.Stats.CostUSD

		if opts.AfterSubject != nil {
			if err := opts.AfterSubject(subjectCtx, res); err != nil {
				out.Remaining = len(subjects) - i - 1
				emit(opts, *p)
				return out, err
			}
		}
		emit(opts, *p)

		if o.settings.MaxCostPerBatch > 0 && p.CostUSD >= o.settings.MaxCostPerBatch {
			out.BudgetHit = true
			out.Remaining = len(subjects) - i - 1
			zap.L().Warn("orchestrator: batch budget reached",
				zap.Float64("cost_usd", p.CostUSD),
				zap.Float64("budget_usd", o.settings.MaxCostPerBatch),
				zap.Int("remaining", out.Remaining),
			)
			break
		}
	}

	return out, nil
}

func emit(opts BatchOptions, p BatchProgress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}
