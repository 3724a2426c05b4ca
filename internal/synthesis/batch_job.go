package synthesis

import (
	"context"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/obit-cli/internal/batch"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/store"
	"github.com/sells-group/obit-cli/pkg/anthropic"
)

const collectConcurrency = 4

// BatchJob synthesizes every pending enrichment of one kind through the
// Message Batches API. It implements batch.Job; custom IDs are subject IDs.
type BatchJob struct {
	client   anthropic.Client
	claude   *Claude
	results  store.Results
	kind     model.Kind
	limit    int
	pollOpts []anthropic.PollOption
}

// NewBatchJob creates a batch synthesis job. limit caps the subjects per
// submission; zero submits everything pending.
func NewBatchJob(client anthropic.Client, claude *Claude, results store.Results, limit int, pollOpts ...anthropic.PollOption) *BatchJob {
	return &BatchJob{
		client:   client,
		claude:   claude,
		results:  results,
		kind:     claude.def.Kind,
		limit:    limit,
		pollOpts: pollOpts,
	}
}

// Submit implements batch.Job.
func (j *BatchJob) Submit(ctx context.Context) (string, error) {
	pending, err := j.results.ListPendingSynthesis(ctx, j.kind, j.limit)
	if err != nil {
		return "", eris.Wrap(err, "synthesis: list pending")
	}
	if len(pending) == 0 {
		return "", nil
	}

	req := anthropic.BatchRequest{Requests: make([]anthropic.BatchRequestItem, 0, len(pending))}
	for _, p := range pending {
		req.Requests = append(req.Requests, anthropic.BatchRequestItem{
			CustomID: p.Subject.Key(),
			Params:   j.claude.Request(p.Subject, p.Evidence),
		})
	}

	resp, err := j.client.CreateBatch(ctx, req)
	if err != nil {
		return "", eris.Wrap(err, "synthesis: create batch")
	}
	zap.L().Info("synthesis: batch submitted",
		zap.String("batch_id", resp.ID),
		zap.String("kind", string(j.kind)),
		zap.Int("requests", len(req.Requests)),
	)
	return resp.ID, nil
}

// Poll implements batch.Job.
func (j *BatchJob) Poll(ctx context.Context, jobID string) error {
	resp, err := anthropic.PollBatch(ctx, j.client, jobID, j.pollOpts...)
	if err != nil {
		return err
	}
	zap.L().Info("synthesis: batch ended",
		zap.String("batch_id", jobID),
		zap.Int64("succeeded", resp.RequestCounts.Succeeded),
		zap.Int64("errored", resp.RequestCounts.Errored),
		zap.Int64("expired", resp.RequestCounts.Expired),
	)
	return nil
}

// Collect implements batch.Job. Parsed results are written back with
// UpdateSynthesis; items that fail stay pending for the next run.
func (j *BatchJob) Collect(ctx context.Context, jobID string, rec batch.Recorder) error {
	iter, err := j.client.GetBatchResults(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "synthesis: get batch results %s", jobID)
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(collected.Succeeded))
	for id := range collected.Succeeded {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectConcurrency)
	for _, customID := range ids {
		subjectID, ok := parseCustomID(customID)
		if !ok || rec.ShouldSkip(subjectID) {
			continue
		}
		msg := collected.Succeeded[customID]
		g.Go(func() error {
			return j.store(gctx, subjectID, msg, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, f := range collected.Failures {
		subjectID, ok := parseCustomID(f.CustomID)
		if !ok || rec.ShouldSkip(subjectID) {
			continue
		}
		if err := rec.Record(subjectID, batch.OutcomeFailed, eris.Errorf("synthesis: batch item %s", f.Type)); err != nil {
			return err
		}
	}
	return nil
}

func (j *BatchJob) store(ctx context.Context, subjectID int64, msg *anthropic.MessageResponse, rec batch.Recorder) error {
	costUSD := j.claude.costs.ClaudeUsage(j.claude.model, true, msg.Usage)
	res, err := j.claude.parse(msg)
	if err != nil {
		zap.L().Warn("synthesis: unparseable batch result",
			zap.Int64("subject_id", subjectID),
			zap.Error(err),
		)
		return rec.Record(subjectID, batch.OutcomeFailed, err)
	}
	if err := j.results.UpdateSynthesis(ctx, subjectID, j.kind, res, costUSD); err != nil {
		return eris.Wrapf(err, "synthesis: store result for subject %d", subjectID)
	}
	return rec.Record(subjectID, batch.OutcomeSucceeded, nil)
}

func parseCustomID(id string) (int64, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		zap.L().Warn("synthesis: unexpected custom id", zap.String("custom_id", id))
		return 0, false
	}
	return n, true
}
