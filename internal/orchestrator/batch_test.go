package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/model"
)

func subjects(n int) []model.Subject {
	out := make([]model.Subject, n)
	for i := range out {
		out[i] = model.Subject{ID: int64(i + 1), Name: "Subject"}
	}
	return out
}

const singleSourcePlan = `
plan:
  phases:
    - name: all
      sources: [perplexity]
`

func TestEnrichBatch_ProgressAndOrder(t *testing.T) {
	src := newFake(model.SourcePerplexity, model.TierSearchAggregator, 0.9)
	src.cost = 0.01
	o := New(registryOf(src), mustPlan(t, singleSourcePlan), nil, Settings{EarlyStopCount: 1, ConfidenceThreshold: 0.5})

	var slept []time.Duration
	o.settings.InterSubjectDelay = 5 * time.Millisecond
	o.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	var progress []BatchProgress
	out, err := o.EnrichBatch(context.Background(), subjects(3), BatchOptions{
		OnProgress: func(p BatchProgress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	for i, r := range out.Results {
		assert.Equal(t, int64(i+1), r.Subject.ID)
	}
	assert.Len(t, slept, 2)
	require.Len(t, progress, 3)
	last := progress[2]
	assert.Equal(t, 3, last.Index)
	assert.Equal(t, 3, last.Total)
	assert.Equal(t, 3, last.Attempted)
	assert.Equal(t, 3, last.Succeeded)
	assert.Zero(t, last.Errored)
	assert.InDelta(t, 0.03, last.CostUSD, 1e-9)
	assert.False(t, out.BudgetHit)
	assert.False(t, out.Interrupted)
}

func TestEnrichBatch_BatchBudget(t *testing.T) {
	src := newFake(model.SourcePerplexity, model.TierSearchAggregator, 0.9)
	src.cost = 0.40
	o := New(registryOf(src), mustPlan(t, singleSourcePlan), nil, Settings{
		EarlyStopCount:      1,
		ConfidenceThreshold: 0.5,
		MaxCostPerBatch:     1.0,
	})

	out, err := o.EnrichBatch(context.Background(), subjects(5), BatchOptions{})
	require.NoError(t, err)
	assert.True(t, out.BudgetHit)
	assert.Len(t, out.Results, 3)
	assert.Equal(t, 2, out.Remaining)
	assert.InDelta(t, 1.2, out.Progress.CostUSD, 1e-9)
}

func TestEnrichBatch_CancelBetweenSubjects(t *testing.T) {
	src := newFake(model.SourcePerplexity, model.TierSearchAggregator, 0.9)
	o := New(registryOf(src), mustPlan(t, singleSourcePlan), nil, Settings{EarlyStopCount: 1})

	ctx, cancel := context.WithCancel(context.Background())
	out, err := o.EnrichBatch(ctx, subjects(4), BatchOptions{
		AfterSubject: func(_ context.Context, res *model.EnrichmentResult) error {
			if res.Subject.ID == 2 {
				cancel()
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.True(t, out.Interrupted)
	assert.Len(t, out.Results, 2)
	assert.Equal(t, 2, out.Remaining)
}

func TestEnrichBatch_SkipAndHalt(t *testing.T) {
	src := newFake(model.SourcePerplexity, model.TierSearchAggregator, 0)
	src.fail = true
	o := New(registryOf(src), mustPlan(t, singleSourcePlan), nil, Settings{EarlyStopCount: 1})

	halt := errors.New("tripped")
	out, err := o.EnrichBatch(context.Background(), subjects(6), BatchOptions{
		Skip: func(s model.Subject) bool { return s.ID == 1 },
		AfterSubject: func(_ context.Context, res *model.EnrichmentResult) error {
			if res.Subject.ID == 3 {
				return halt
			}
			return nil
		},
	})
	require.ErrorIs(t, err, halt)
	assert.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.Progress.Skipped)
	assert.Equal(t, 2, out.Progress.Errored)
	assert.Equal(t, 3, out.Remaining)
}

func TestSucceeded(t *testing.T) {
	assert.False(t, Succeeded(&model.EnrichmentResult{}))
	ev := []model.RawEvidence{{Text: "x"}}
	assert.True(t, Succeeded(&model.EnrichmentResult{RawEvidence: ev}))
	assert.False(t, Succeeded(&model.EnrichmentResult{RawEvidence: ev, SynthesisError: "boom"}))
}
