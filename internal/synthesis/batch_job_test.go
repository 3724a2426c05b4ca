package synthesis

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/batch"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/store"
	"github.com/sells-group/obit-cli/pkg/anthropic"
)

type sliceIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

func newResults(t *testing.T, subjects ...model.Subject) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "obit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	for _, subj := range subjects {
		require.NoError(t, s.SaveEnrichment(context.Background(), &model.EnrichmentResult{
			Subject:     subj,
			Kind:        model.KindCauseOfDeath,
			RawEvidence: []model.RawEvidence{{Source: model.SourceWikipedia, Text: subj.Name + " died."}},
		}))
	}
	return s
}

func TestBatchJob_EndToEnd(t *testing.T) {
	a := model.Subject{ID: 1, Name: "Actor A"}
	b := model.Subject{ID: 2, Name: "Actor B"}
	c := model.Subject{ID: 3, Name: "Actor C"}
	results := newResults(t, a, b, c)

	mc := &mockClient{}
	mc.On("CreateBatch", mock.Anything, mock.MatchedBy(func(req anthropic.BatchRequest) bool {
		return len(req.Requests) == 3 && req.Requests[0].CustomID == "1" && req.Requests[2].CustomID == "3"
	})).Return(&anthropic.BatchResponse{ID: "msgbatch_abc", ProcessingStatus: "in_progress"}, nil).Once()
	mc.On("GetBatch", mock.Anything, "msgbatch_abc").Return(&anthropic.BatchResponse{
		ID:               "msgbatch_abc",
		ProcessingStatus: "ended",
		RequestCounts:    anthropic.RequestCounts{Succeeded: 2, Errored: 1},
	}, nil)
	mc.On("GetBatchResults", mock.Anything, "msgbatch_abc").Return(&sliceIterator{items: []anthropic.BatchResultItem{
		{CustomID: "1", Type: "succeeded", Message: textMessage(`{"cause":"heart attack","manner":"natural"}`, 1000, 100)},
		{CustomID: "2", Type: "errored"},
		{CustomID: "3", Type: "succeeded", Message: textMessage("no json here", 1000, 10)},
	}}, nil)

	job := NewBatchJob(mc, NewClaude(mc, codDef(t), nil), results, 0)
	cp, err := batch.OpenCheckpoint(filepath.Join(t.TempDir(), "synth.json"))
	require.NoError(t, err)
	runner := batch.NewRunner(cp)

	sum, err := runner.RunJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 2, sum.Failed)

	got, err := results.GetEnrichment(context.Background(), 1, model.KindCauseOfDeath)
	require.NoError(t, err)
	require.NotNil(t, got.Synthesized)
	assert.Equal(t, "heart attack", got.Synthesized.CauseOfDeath.Cause)

	// The errored and unparseable subjects remain pending.
	pending, err := results.ListPendingSynthesis(context.Background(), model.KindCauseOfDeath, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2), pending[0].Subject.ID)
	assert.Equal(t, int64(3), pending[1].Subject.ID)
	mc.AssertExpectations(t)
}

func TestBatchJob_NothingPending(t *testing.T) {
	results := newResults(t)
	mc := &mockClient{}
	job := NewBatchJob(mc, NewClaude(mc, codDef(t), nil), results, 10)

	id, err := job.Submit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
	mc.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything)
}

func TestBatchJob_CollectSkipsCheckpointed(t *testing.T) {
	results := newResults(t, model.Subject{ID: 1, Name: "Actor A"})
	mc := &mockClient{}
	mc.On("GetBatchResults", mock.Anything, "msgbatch_old").Return(&sliceIterator{items: []anthropic.BatchResultItem{
		{CustomID: "1", Type: "succeeded", Message: textMessage(`{"cause":"stroke"}`, 10, 10)},
		{CustomID: "not-a-number", Type: "succeeded", Message: textMessage(`{"cause":"stroke"}`, 10, 10)},
	}}, nil)

	cp, err := batch.OpenCheckpoint("")
	require.NoError(t, err)
	cp.MarkProcessed(1)
	runner := batch.NewRunner(cp)

	job := NewBatchJob(mc, NewClaude(mc, codDef(t), nil), results, 0)
	require.NoError(t, job.Collect(context.Background(), "msgbatch_old", runner))
	assert.Equal(t, 1, runner.Summary().Skipped)
	assert.Zero(t, runner.Summary().Processed)
}

func TestParseCustomID(t *testing.T) {
	id, ok := parseCustomID("123")
	assert.True(t, ok)
	assert.Equal(t, int64(123), id)
	_, ok = parseCustomID("abc")
	assert.False(t, ok)
}
