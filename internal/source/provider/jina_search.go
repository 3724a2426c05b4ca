package provider

import (
	"context"
	"strings"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/pkg/jina"
)

const jinaMaxResults = 5

// JinaSearch runs a paid web search through Jina and keeps the result pages' content.
type JinaSearch struct {
	source.KeywordScorer
	def    pipeline.Definition
	client jina.Client
	costs  *cost.Calculator
}

// NewJinaSearch creates the jina_search source. It is unavailable without a client.
func NewJinaSearch(deps Deps) *source.Base {
	j := &JinaSearch{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		client:        deps.Jina,
		costs:         deps.costs(),
	}
	return source.NewBase(model.SourceDescriptor{
		Name:                  "Jina Search",
		Type:                  model.SourceJinaSearch,
		EstimatedCostPerQuery: j.costs.JinaSearchEstimate(),
		ReliabilityTier:       model.TierSearchAggregator,
		MinDelay:              deps.MinDelay,
	}, j, deps.Cache, deps.options(false))
}

// IsAvailable implements source.Availability.
func (j *JinaSearch) IsAvailable() bool { return j.client != nil }

// Query implements source.Performer.
func (j *JinaSearch) Query(s model.Subject) string {
	return j.def.SearchQuery(s)
}

// PerformLookup implements source.Performer.
func (j *JinaSearch) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	query := j.Query(s)
	resp, err := j.client.Search(ctx, query)
	if err != nil {
		return nil, blockedFromStatus(err, "jina:search")
	}

	e := entry("")
	e.CostUSD = j.costs.JinaSearch(resp.Tokens())

	var parts []string
	for i, r := range resp.Data {
		if i >= jinaMaxResults {
			break
		}
		text := strings.TrimSpace(r.Content)
		if text == "" {
			text = strings.TrimSpace(r.Description)
		}
		if text == "" {
			continue
		}
		if e.URL == "" {
			e.URL = r.URL
		}
		parts = append(parts, r.Title+" ("+r.URL+")\n"+text)
	}
	if len(parts) == 0 {
		return model.Failed(e, "jina_search: no results"), nil
	}

	return model.Succeeded(e, &model.RawEvidence{
		Text:        strings.Join(parts, "\n\n"),
		Publication: "Jina Search",
		URL:         e.URL,
		ContentType: "search",
	}), nil
}
