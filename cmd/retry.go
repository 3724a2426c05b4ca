package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/internal/store"
)

var retryLimit int

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run failed source lookups that are due for retry",
	Long: `Re-queries each (subject, source) pair in the failure ledger whose backoff
has elapsed. Recovered evidence is merged into the stored result, which then
becomes pending synthesis again. Permanent errors and rows that exhaust
retry.max_attempts are marked permanent.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("retry"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		costs := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
		registries := make(map[model.Kind]*source.Registry)
		sources := func(kind model.Kind) (*source.Registry, error) {
			if reg, ok := registries[kind]; ok {
				return reg, nil
			}
			def, err := pipeline.Get(kind)
			if err != nil {
				return nil, err
			}
			// Cache reads would replay the failure being retried.
			reg, err := buildRegistry(def, st, costs, true)
			if err != nil {
				return nil, err
			}
			registries[kind] = reg
			return reg, nil
		}

		r := &retrier{
			store:    st,
			sources:  sources,
			schedule: resilience.RetrySchedule{BaseHours: cfg.Retry.BaseHours, MaxAttempts: cfg.Retry.MaxAttempts},
			nowFunc:  time.Now,
		}
		sum, err := r.run(ctx, retryLimit)
		zap.L().Info("retry complete",
			zap.Int("due", sum.Due),
			zap.Int("resolved", sum.Resolved),
			zap.Int("rescheduled", sum.Rescheduled),
			zap.Int("permanent", sum.Permanent),
			zap.Int("skipped", sum.Skipped),
		)
		return err
	},
}

func init() {
	retryCmd.Flags().IntVar(&retryLimit, "limit", 100, "max ledger rows to retry")
	rootCmd.AddCommand(retryCmd)
}

type retryStore interface {
	store.Failures
	store.Results
}

type retrySummary struct {
	Due         int
	Resolved    int
	Rescheduled int
	Permanent   int
	Skipped     int
}

// retrier works through due failure-ledger rows.
type retrier struct {
	store    retryStore
	sources  func(model.Kind) (*source.Registry, error)
	schedule resilience.RetrySchedule
	nowFunc  func() time.Time
}

func (r *retrier) run(ctx context.Context, limit int) (retrySummary, error) {
	var sum retrySummary
	due, err := r.store.DueFailures(ctx, r.nowFunc(), limit)
	if err != nil {
		return sum, err
	}
	sum.Due = len(due)

	for _, rec := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		log := zap.L().With(
			zap.Int64("subject_id", rec.Subject.ID),
			zap.String("source", string(rec.Source)),
			zap.Int("attempts", rec.Attempts),
		)

		reg, err := r.sources(rec.Kind)
		if err != nil {
			return sum, err
		}
		src := reg.Get(rec.Source)
		if src == nil || !src.IsAvailable() {
			log.Warn("retry: source unavailable, leaving pending")
			sum.Skipped++
			continue
		}

		res, lerr := src.Lookup(context.WithoutCancel(ctx), rec.Subject)
		if lerr == nil && res.Success {
			if err := r.merge(ctx, rec, res); err != nil {
				return sum, err
			}
			if err := r.store.MarkResolved(ctx, rec.ID); err != nil {
				return sum, err
			}
			log.Info("retry: resolved")
			sum.Resolved++
			continue
		}

		lastErr := lerr
		if lastErr == nil {
			lastErr = eris.New(res.Error)
		}
		attempts := rec.Attempts + 1
		if resilience.IsPermanent(lastErr) || r.schedule.Exhausted(attempts) {
			if err := r.store.MarkPermanent(ctx, rec.ID, lastErr.Error()); err != nil {
				return sum, err
			}
			log.Info("retry: giving up", zap.String("class", resilience.ClassifyError(lastErr)), zap.Error(lastErr))
			sum.Permanent++
			continue
		}

		next := r.schedule.Next(r.nowFunc(), attempts)
		if err := r.store.MarkRetried(ctx, rec.ID, next, lastErr.Error()); err != nil {
			return sum, err
		}
		log.Debug("retry: rescheduled", zap.Time("next_retry_at", next), zap.Error(lastErr))
		sum.Rescheduled++
	}
	return sum, nil
}

// merge folds recovered evidence into the stored result and clears any
// synthesized output so the subject is synthesized again.
func (r *retrier) merge(ctx context.Context, rec model.FailureRecord, res *model.LookupResult) error {
	stored, err := r.store.GetEnrichment(ctx, rec.Subject.ID, rec.Kind)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = &model.EnrichmentResult{Subject: rec.Subject, Kind: rec.Kind}
	}

	replaced := false
	for i, e := range stored.Sources {
		if e.Type == rec.Source {
			stored.Sources[i] = res.Entry
			replaced = true
		}
	}
	if !replaced {
		stored.Sources = append(stored.Sources, res.Entry)
	}
	if res.Data != nil {
		stored.RawEvidence = append(stored.RawEvidence, *res.Data)
	}
	stored.Stats.Succeeded++
	stored.Stats.SourceCostUSD += res.Entry.CostUSD
	stored.Stats.CostUSD += res.Entry.CostUSD
	stored.Synthesized = nil
	stored.SynthesisError = ""
	return r.store.SaveEnrichment(ctx, stored)
}
