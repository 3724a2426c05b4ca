package synthesis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/pkg/anthropic"
)

type mockClient struct{ mock.Mock }

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func (m *mockClient) CreateBatch(ctx context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.BatchResponse)
	return resp, args.Error(1)
}

func (m *mockClient) GetBatch(ctx context.Context, batchID string) (*anthropic.BatchResponse, error) {
	args := m.Called(ctx, batchID)
	resp, _ := args.Get(0).(*anthropic.BatchResponse)
	return resp, args.Error(1)
}

func (m *mockClient) GetBatchResults(ctx context.Context, batchID string) (anthropic.BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	it, _ := args.Get(0).(anthropic.BatchResultIterator)
	return it, args.Error(1)
}

func textMessage(text string, in, out int64) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   DefaultModel,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func codDef(t *testing.T) pipeline.Definition {
	t.Helper()
	def, err := pipeline.Get(model.KindCauseOfDeath)
	require.NoError(t, err)
	return def
}

var (
	subject  = model.Subject{ID: 42, Name: "Sean Connery"}
	evidence = []model.RawEvidence{{Source: model.SourceWikipedia, Text: "He died in his sleep of pneumonia.", URL: "https://en.wikipedia.org/wiki/Sean_Connery"}}
)

func TestClaude_Synthesize(t *testing.T) {
	mc := &mockClient{}
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == DefaultModel &&
			req.MaxTokens == 512 &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && req.Messages[0].Role == "user"
	})).Return(textMessage("```json\n{\"cause\": \"pneumonia\", \"manner\": \"Natural\", \"confidence\": \"HIGH\"}\n```", 1_000_000, 100_000), nil)

	c := NewClaude(mc, codDef(t), cost.NewCalculator(cost.DefaultRates()), WithMaxTokens(512))
	res, costUSD, err := c.Synthesize(context.Background(), subject, evidence)
	require.NoError(t, err)
	require.NotNil(t, res.CauseOfDeath)
	assert.Equal(t, "pneumonia", res.CauseOfDeath.Cause)
	assert.Equal(t, "natural", res.CauseOfDeath.Manner)
	assert.Equal(t, "high", res.CauseOfDeath.Confidence)
	assert.Equal(t, DefaultModel, res.Model)
	// 1M input at $3 + 0.1M output at $15.
	assert.InDelta(t, 4.5, costUSD, 1e-9)
	mc.AssertExpectations(t)
}

func TestClaude_SynthesizeErrors(t *testing.T) {
	t.Run("api error", func(t *testing.T) {
		mc := &mockClient{}
		mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))
		c := NewClaude(mc, codDef(t), nil)

		_, costUSD, err := c.Synthesize(context.Background(), subject, evidence)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "synthesis: create message for subject 42")
		assert.Zero(t, costUSD)
	})

	t.Run("unparseable answer still reports cost", func(t *testing.T) {
		mc := &mockClient{}
		mc.On("CreateMessage", mock.Anything, mock.Anything).Return(textMessage("I could not determine this.", 1_000_000, 0), nil)
		c := NewClaude(mc, codDef(t), nil)

		res, costUSD, err := c.Synthesize(context.Background(), subject, evidence)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.InDelta(t, 3.0, costUSD, 1e-9)
	})

	t.Run("no evidence", func(t *testing.T) {
		c := NewClaude(&mockClient{}, codDef(t), nil)
		_, _, err := c.Synthesize(context.Background(), subject, nil)
		assert.Error(t, err)
	})
}

func TestClaude_Options(t *testing.T) {
	c := NewClaude(&mockClient{}, codDef(t), nil, WithModel("claude-haiku-4-5-20251001"), WithModel(""), WithMaxTokens(0))
	assert.Equal(t, "claude-haiku-4-5-20251001", c.Model())
	assert.Equal(t, DefaultMaxTokens, c.Request(subject, evidence).MaxTokens)
	assert.Contains(t, c.Request(subject, evidence).Messages[0].Content, "Sean Connery")
}
