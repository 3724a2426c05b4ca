package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/batch"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/orchestrator"
	"github.com/sells-group/obit-cli/internal/store"
)

var (
	batchCSV         string
	batchKind        string
	batchCheckpoint  string
	batchLimit       int
	batchOutput      string
	batchNoSynthesis bool
	batchNoCache     bool
	batchFresh       bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Enrich subjects from a CSV, resumable from a checkpoint",
	Long: `Enriches every subject in a CSV sequentially. Progress is checkpointed so
an interrupted run resumes where it left off. The run stops when the batch
budget is spent, on SIGINT/SIGTERM after the subject in flight, or when too
many consecutive subjects fail (exit status 3).`,
	Example: `  obit-cli batch --csv subjects.csv --kind cause_of_death
  obit-cli batch --csv subjects.csv --kind biography --no-synthesis --out results.csv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		kind := model.Kind(batchKind)
		subjects, err := loadSubjects(batchCSV)
		if err != nil {
			return err
		}
		if batchLimit > 0 && len(subjects) > batchLimit {
			subjects = subjects[:batchLimit]
		}

		env, err := initEnrich(ctx, "batch", envOptions{
			Kind:        kind,
			NoSynthesis: batchNoSynthesis,
			NoCache:     batchNoCache,
		})
		if err != nil {
			return err
		}
		defer env.Close()

		cpPath := batchCheckpoint
		if cpPath == "" {
			cpPath = checkpointPath(cfg.Batch.CheckpointDir, batchCSV, kind)
		}
		cp, err := batch.OpenCheckpoint(cpPath)
		if err != nil {
			return err
		}
		if batchFresh && cp.Resumed() {
			if err := cp.Delete(); err != nil {
				return err
			}
			if cp, err = batch.OpenCheckpoint(cpPath); err != nil {
				return err
			}
		}
		if cp.Resumed() {
			zap.L().Info("resuming batch from checkpoint",
				zap.String("checkpoint", cpPath),
				zap.Int("processed", len(cp.State().ProcessedIDs)),
			)
		}

		runner := batch.NewRunner(cp,
			batch.WithCheckpointEvery(cfg.Batch.CheckpointEvery),
			batch.WithMaxConsecutiveFailures(cfg.Batch.MaxConsecutiveFailures),
		)

		res, err := runBatch(ctx, env.Orchestrator, env.Store, runner, subjects, cmd.ErrOrStderr())
		if res != nil && batchOutput != "" {
			if werr := writeResultsCSV(batchOutput, res.Results); werr != nil {
				zap.L().Warn("failed to write results csv", zap.Error(werr))
			}
		}
		return err
	},
}

func init() {
	f := batchCmd.Flags()
	f.StringVar(&batchCSV, "csv", "", "path to subjects CSV (required)")
	f.StringVar(&batchKind, "kind", string(model.KindCauseOfDeath), "pipeline: cause_of_death or biography")
	f.StringVar(&batchCheckpoint, "checkpoint", "", "checkpoint file (default derived from --csv and --kind)")
	f.IntVar(&batchLimit, "limit", 0, "max number of subjects to process (0 = all)")
	f.StringVar(&batchOutput, "out", "", "write a results CSV to this path")
	f.BoolVar(&batchNoSynthesis, "no-synthesis", false, "gather evidence only; synthesize later with synthesize-batch")
	f.BoolVar(&batchNoCache, "no-cache", false, "skip cache reads")
	f.BoolVar(&batchFresh, "fresh", false, "discard an existing checkpoint")
	_ = batchCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(batchCmd)
}

// outcomeOf classifies a subject for the batch runner. A subject answered
// entirely from cache is OutcomeCached and never moves the breaker.
func outcomeOf(res *model.EnrichmentResult) batch.Outcome {
	if len(res.Sources) > 0 {
		cached := true
		for _, e := range res.Sources {
			if !e.Cached {
				cached = false
				break
			}
		}
		if cached && res.SynthesisError == "" {
			return batch.OutcomeCached
		}
	}
	if orchestrator.Succeeded(res) {
		return batch.OutcomeSucceeded
	}
	return batch.OutcomeFailed
}

// runBatch enriches subjects through the orchestrator, persisting each
// result and booking it with runner. The checkpoint is removed only after a
// complete pass.
func runBatch(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, runner *batch.Runner, subjects []model.Subject, progress io.Writer) (*orchestrator.BatchResult, error) {
	if len(subjects) == 0 {
		zap.L().Info("no subjects to process")
		return &orchestrator.BatchResult{}, nil
	}
	zap.L().Info("processing batch", zap.Int("subjects", len(subjects)))

	res, err := orch.EnrichBatch(ctx, subjects, orchestrator.BatchOptions{
		Skip: func(s model.Subject) bool {
			return runner.ShouldSkip(s.ID)
		},
		AfterSubject: func(ctx context.Context, r *model.EnrichmentResult) error {
			if err := persistResult(ctx, st, r); err != nil {
				zap.L().Error("failed to persist result", zap.Int64("subject_id", r.Subject.ID), zap.Error(err))
				return runner.Record(r.Subject.ID, batch.OutcomeFailed, err)
			}
			outcome := outcomeOf(r)
			var ferr error
			if outcome == batch.OutcomeFailed {
				ferr = failureReason(r)
			}
			return runner.Record(r.Subject.ID, outcome, ferr)
		},
		OnProgress: func(p orchestrator.BatchProgress) {
			if progress == nil {
				return
			}
			_, _ = fmt.Fprintf(progress, "[%d/%d] attempted=%d succeeded=%d errored=%d skipped=%d cost=$%.4f\n",
				p.Index, p.Total, p.Attempted, p.Succeeded, p.Errored, p.Skipped, p.CostUSD)
		},
	})

	sum := runner.Summary()
	fields := []zap.Field{
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("cached", sum.Cached),
		zap.Int("skipped", sum.Skipped),
	}

	if err != nil {
		if ferr := runner.Flush(); ferr != nil {
			zap.L().Warn("checkpoint save failed", zap.Error(ferr))
		}
		if errors.Is(err, batch.ErrCircuitTripped) {
			zap.L().Error("batch aborted: too many consecutive failures, likely a provider outage", fields...)
			return res, err
		}
		return res, eris.Wrap(err, "batch")
	}

	if res.BudgetHit || res.Interrupted {
		if ferr := runner.Flush(); ferr != nil {
			return res, ferr
		}
		fields = append(fields, zap.Int("remaining", res.Remaining), zap.Float64("cost_usd", res.Progress.CostUSD))
		if res.BudgetHit {
			zap.L().Warn("batch stopped: budget reached", fields...)
		} else {
			zap.L().Warn("batch interrupted; rerun to resume", fields...)
		}
		return res, nil
	}

	if cerr := runner.Complete(); cerr != nil {
		return res, cerr
	}
	zap.L().Info("batch complete", append(fields, zap.Float64("cost_usd", res.Progress.CostUSD))...)
	return res, nil
}

func failureReason(r *model.EnrichmentResult) error {
	if r.SynthesisError != "" {
		return eris.Errorf("subject %d: synthesis: %s", r.Subject.ID, r.SynthesisError)
	}
	return eris.Errorf("subject %d: no evidence", r.Subject.ID)
}
