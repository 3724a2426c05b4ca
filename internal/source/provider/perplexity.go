package provider

import (
	"context"
	"strings"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/pkg/perplexity"
)

const perplexitySystem = "You are a research assistant. Answer factually and concisely, using only reputable published sources. If the answer is unknown, say so."

// Perplexity asks an answer engine the pipeline question.
type Perplexity struct {
	source.KeywordScorer
	def    pipeline.Definition
	client perplexity.Client
	costs  *cost.Calculator
}

// NewPerplexity creates the perplexity source. It is unavailable without a client.
func NewPerplexity(deps Deps) *source.Base {
	p := &Perplexity{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		client:        deps.Perplexity,
		costs:         deps.costs(),
	}
	return source.NewBase(model.SourceDescriptor{
		Name:                  "Perplexity",
		Type:                  model.SourcePerplexity,
		EstimatedCostPerQuery: p.costs.PerplexityQuery(),
		ReliabilityTier:       model.TierSearchAggregator,
		MinDelay:              deps.MinDelay,
	}, p, deps.Cache, deps.options(false))
}

// IsAvailable implements source.Availability.
func (p *Perplexity) IsAvailable() bool { return p.client != nil }

// Query implements source.Performer.
func (p *Perplexity) Query(s model.Subject) string {
	return p.def.Question(s)
}

// PerformLookup implements source.Performer.
func (p *Perplexity) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: perplexitySystem},
			{Role: "user", Content: p.Query(s)},
		},
	})
	if err != nil {
		return nil, blockedFromStatus(err, "perplexity:chat")
	}

	e := entry("")
	e.CostUSD = p.costs.PerplexityQuery()
	if len(resp.Citations) > 0 {
		e.URL = resp.Citations[0]
	}

	text := strings.TrimSpace(resp.Content())
	if text == "" {
		return model.Failed(e, "perplexity: empty answer"), nil
	}
	if len(resp.Citations) > 0 {
		text += "\n\nCitations:\n" + strings.Join(resp.Citations, "\n")
	}

	return model.Succeeded(e, &model.RawEvidence{
		Text:        text,
		Publication: "Perplexity",
		URL:         e.URL,
		ContentType: "answer",
	}), nil
}
