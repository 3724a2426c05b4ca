package main

import (
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/batch"
	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/synthesis"
	anthropicpkg "github.com/sells-group/obit-cli/pkg/anthropic"
)

var (
	synthKind       string
	synthLimit      int
	synthCheckpoint string
)

var synthesizeBatchCmd = &cobra.Command{
	Use:   "synthesize-batch",
	Short: "Synthesize stored evidence through the Anthropic Message Batches API",
	Long: `Submits every stored enrichment still missing a structured result as one
Message Batch, waits for it to end and writes the results back. The batch ID
is checkpointed right after submission; rerunning after an interruption
resumes polling the same batch instead of submitting a new one.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("synthesize"); err != nil {
			return err
		}
		kind := model.Kind(synthKind)
		def, err := pipeline.Get(kind)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cpPath := synthCheckpoint
		if cpPath == "" {
			cpPath = filepath.Join(cfg.Batch.CheckpointDir, "synthesis-"+string(kind)+".json")
		}
		cp, err := batch.OpenCheckpoint(cpPath)
		if err != nil {
			return err
		}
		runner := batch.NewRunner(cp,
			batch.WithCheckpointEvery(cfg.Batch.CheckpointEvery),
			batch.WithMaxConsecutiveFailures(cfg.Batch.MaxConsecutiveFailures),
		)

		limit := synthLimit
		if limit <= 0 {
			limit = cfg.Anthropic.MaxBatchSize
		}

		costs := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		claude := synthesis.NewClaude(client, def, costs,
			synthesis.WithModel(cfg.Anthropic.Model),
			synthesis.WithMaxTokens(cfg.Anthropic.MaxTokens),
		)
		job := synthesis.NewBatchJob(client, claude, st, limit,
			anthropicpkg.WithPollInterval(time.Duration(cfg.Batch.PollIntervalSecs)*time.Second),
			anthropicpkg.WithPollTimeout(time.Duration(cfg.Batch.PollTimeoutMins)*time.Minute),
			anthropicpkg.WithPollObserver(func(b *anthropicpkg.BatchResponse) {
				zap.L().Info("synthesis batch in progress",
					zap.String("batch_id", b.ID),
					zap.String("status", b.ProcessingStatus),
					zap.Int64("processing", b.RequestCounts.Processing),
					zap.Int64("succeeded", b.RequestCounts.Succeeded),
					zap.Int64("errored", b.RequestCounts.Errored),
				)
			}),
		)

		sum, err := runner.RunJob(ctx, job)
		zap.L().Info("synthesis batch finished",
			zap.String("kind", string(kind)),
			zap.Int("processed", sum.Processed),
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped),
		)
		return err
	},
}

func init() {
	f := synthesizeBatchCmd.Flags()
	f.StringVar(&synthKind, "kind", string(model.KindCauseOfDeath), "pipeline: cause_of_death or biography")
	f.IntVar(&synthLimit, "limit", 0, "max subjects per batch (default anthropic.max_batch_size)")
	f.StringVar(&synthCheckpoint, "checkpoint", "", "checkpoint file (default derived from --kind)")
	rootCmd.AddCommand(synthesizeBatchCmd)
}
