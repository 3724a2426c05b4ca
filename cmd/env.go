package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/orchestrator"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/internal/source/provider"
	"github.com/sells-group/obit-cli/internal/store"
	"github.com/sells-group/obit-cli/internal/synthesis"
	anthropicpkg "github.com/sells-group/obit-cli/pkg/anthropic"
	"github.com/sells-group/obit-cli/pkg/firecrawl"
	"github.com/sells-group/obit-cli/pkg/jina"
	"github.com/sells-group/obit-cli/pkg/perplexity"
)

// enrichEnv holds the store and orchestrator needed by the enrich and batch
// commands.
type enrichEnv struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Kind         model.Kind
}

// Close releases resources held by the environment.
func (e *enrichEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// envOptions are the per-command switches layered over the config file.
type envOptions struct {
	Kind        model.Kind
	NoSynthesis bool
	NoCache     bool
}

// initEnrich validates config for mode, opens the store and builds the
// orchestrator for one pipeline. Callers should defer env.Close().
func initEnrich(ctx context.Context, mode string, opts envOptions) (*enrichEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	def, err := pipeline.Get(opts.Kind)
	if err != nil {
		return nil, err
	}
	if !opts.NoSynthesis && cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic key is required (OBIT_ANTHROPIC_KEY); pass --no-synthesis to gather evidence only")
	}

	plan, err := loadPlan(cfg.Enrich.PlanPath)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	costs := cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing))
	reg, err := buildRegistry(def, st, costs, opts.NoCache || cfg.Enrich.NoCache)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var synth synthesis.Synthesizer
	if !opts.NoSynthesis {
		synth = newClaude(def, costs)
	}

	orch := orchestrator.New(reg, plan, synth, orchestrator.SettingsFromConfig(opts.Kind, cfg.Enrich))
	zap.L().Info("enrichment ready",
		zap.String("kind", string(opts.Kind)),
		zap.Int("sources", len(orch.Sources())),
		zap.Bool("synthesis", synth != nil),
	)

	return &enrichEnv{Store: st, Orchestrator: orch, Kind: opts.Kind}, nil
}

// loadPlan reads the source plan, falling back to the built-in plan when the
// configured file does not exist.
func loadPlan(path string) (*orchestrator.Plan, error) {
	if path == "" {
		return orchestrator.DefaultPlan(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		zap.L().Warn("source plan not found, using built-in plan", zap.String("path", path))
		return orchestrator.DefaultPlan(), nil
	}
	return orchestrator.LoadPlan(path)
}

func newClaude(def pipeline.Definition, costs *cost.Calculator) *synthesis.Claude {
	return synthesis.NewClaude(anthropicpkg.NewClient(cfg.Anthropic.Key), def, costs,
		synthesis.WithModel(cfg.Anthropic.Model),
		synthesis.WithMaxTokens(cfg.Anthropic.MaxTokens),
	)
}

// buildRegistry wires every provider for def. Paid sources get a client only
// when their key is configured, which is what makes them available.
func buildRegistry(def pipeline.Definition, cache store.Cache, costs *cost.Calculator, noCache bool) (*source.Registry, error) {
	fetcher := scrape.NewFetcher(scrape.WithUserAgent(cfg.Sources.UserAgent))

	jinaOpts := []jina.Option{jina.WithBaseURL(cfg.Jina.BaseURL)}
	if cfg.Jina.SearchBaseURL != "" {
		jinaOpts = append(jinaOpts, jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
	}
	// The reader endpoint works without a key; only search is gated.
	reader := jina.NewClient(cfg.Jina.Key, jinaOpts...)

	var jinaClient jina.Client
	if cfg.Jina.Key != "" {
		jinaClient = reader
	} else {
		zap.L().Debug("OBIT_JINA_KEY not set, jina search disabled")
	}

	var perplexityClient perplexity.Client
	if cfg.Perplexity.Key != "" {
		perplexityClient = perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
		)
	} else {
		zap.L().Debug("OBIT_PERPLEXITY_KEY not set, perplexity disabled")
	}

	fallback, err := archiveFallback(cfg.Sources.Fallback, fetcher, reader)
	if err != nil {
		return nil, err
	}

	return provider.NewRegistry(provider.Deps{
		Pipeline:           def,
		Cache:              cache,
		Fetcher:            fetcher,
		Fallback:           fallback,
		Costs:              costs,
		Jina:               jinaClient,
		Perplexity:         perplexityClient,
		NoCache:            noCache,
		MinDelay:           time.Duration(cfg.Sources.MinDelayMs) * time.Millisecond,
		Timeout:            time.Duration(cfg.Sources.TimeoutSecs) * time.Second,
		LowPriorityTimeout: time.Duration(cfg.Sources.LowPriorityTimeoutSecs) * time.Second,
	}), nil
}

// archiveFallback selects the retrieval used when a direct article fetch is
// blocked.
func archiveFallback(name string, fetcher *scrape.Fetcher, reader jina.Client) (scrape.ArchiveFallback, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "wayback":
		return scrape.NewWaybackFallback(cfg.Wayback.AvailabilityURL, fetcher), nil
	case "jina":
		return scrape.NewJinaFallback(reader), nil
	case "firecrawl":
		if cfg.Firecrawl.Key == "" {
			return nil, eris.New("firecrawl fallback requires OBIT_FIRECRAWL_KEY")
		}
		return scrape.NewFirecrawlFallback(firecrawl.NewClient(cfg.Firecrawl.Key, firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL))), nil
	default:
		return nil, eris.Errorf("unknown archive fallback %q (want wayback, jina, firecrawl or none)", name)
	}
}

// persistResult saves a subject's result, its review items and its ordinary
// source failures. Review sources are left out of the failure ledger.
func persistResult(ctx context.Context, st store.Store, res *model.EnrichmentResult) error {
	if err := st.SaveEnrichment(ctx, res); err != nil {
		return err
	}

	reviewed := make(map[model.SourceType]bool, len(res.Review))
	for _, item := range res.Review {
		reviewed[item.Source] = true
		if err := st.AddReview(ctx, item); err != nil {
			return err
		}
	}

	for _, e := range res.Sources {
		if e.Error == "" || e.Cached || reviewed[e.Type] {
			continue
		}
		if err := st.RecordFailure(ctx, model.FailureRecord{
			Subject: res.Subject,
			Kind:    res.Kind,
			Source:  e.Type,
			Error:   e.Error,
		}); err != nil {
			return err
		}
	}
	return nil
}
