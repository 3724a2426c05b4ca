// Package synthesis turns gathered raw evidence into a structured result
// with Claude, either one message per subject or through the Message
// Batches API.
package synthesis

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/pkg/anthropic"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5-20250929"

// DefaultMaxTokens bounds the structured answer.
const DefaultMaxTokens int64 = 2048

// Synthesizer produces a structured result from a subject's evidence. The
// returned cost is valid even when err is non-nil.
type Synthesizer interface {
	Synthesize(ctx context.Context, subject model.Subject, evidence []model.RawEvidence) (*model.StructuredResult, float64, error)
}

// Claude synthesizes with one Messages API call per subject.
type Claude struct {
	client    anthropic.Client
	def       pipeline.Definition
	costs     *cost.Calculator
	model     string
	maxTokens int64
}

// Option configures a Claude synthesizer.
type Option func(*Claude)

// WithModel sets the Claude model.
func WithModel(m string) Option {
	return func(c *Claude) {
		if m != "" {
			c.model = m
		}
	}
}

// WithMaxTokens sets the response token limit.
func WithMaxTokens(n int64) Option {
	return func(c *Claude) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClaude creates a synthesizer for the pipeline def.
func NewClaude(client anthropic.Client, def pipeline.Definition, costs *cost.Calculator, opts ...Option) *Claude {
	c := &Claude{
		client:    client,
		def:       def,
		costs:     costs,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
	}
	if c.costs == nil {
		c.costs = cost.NewCalculator(cost.DefaultRates())
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Claude) Model() string { return c.model }

// Request builds the message request for one subject. The system prompt is a
// cache breakpoint so consecutive subjects share the prefix.
func (c *Claude) Request(subject model.Subject, evidence []model.RawEvidence) anthropic.MessageRequest {
	temp := 0.0
	return anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(c.def.SystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: c.def.UserPrompt(subject, evidence)},
		},
		Temperature: &temp,
	}
}

// Synthesize implements Synthesizer.
func (c *Claude) Synthesize(ctx context.Context, subject model.Subject, evidence []model.RawEvidence) (*model.StructuredResult, float64, error) {
	if len(evidence) == 0 {
		return nil, 0, eris.New("synthesis: no evidence")
	}

	resp, err := c.client.CreateMessage(ctx, c.Request(subject, evidence))
	if err != nil {
		return nil, 0, eris.Wrapf(err, "synthesis: create message for subject %d", subject.ID)
	}
	costUSD := c.costs.ClaudeUsage(c.model, false, resp.Usage)

	res, err := c.parse(resp)
	if err != nil {
		return nil, costUSD, eris.Wrapf(err, "synthesis: subject %d", subject.ID)
	}

	zap.L().Debug("synthesis: complete",
		zap.Int64("subject_id", subject.ID),
		zap.String("kind", string(c.def.Kind)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost_usd", costUSD),
	)
	return res, costUSD, nil
}

func (c *Claude) parse(resp *anthropic.MessageResponse) (*model.StructuredResult, error) {
	res, err := c.def.Parse(resp.Text())
	if err != nil {
		return nil, err
	}
	res.Model = resp.Model
	if res.Model == "" {
		res.Model = c.model
	}
	return res, nil
}
