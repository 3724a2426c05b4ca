// Package provider implements the concrete enrichment sources. Each source
// is a source.Performer wrapped in a source.Base; endpoints are injectable
// so tests can point them at httptest servers.
package provider

import (
	"errors"
	"strings"
	"time"

	"github.com/sells-group/obit-cli/internal/cost"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/internal/store"
	"github.com/sells-group/obit-cli/pkg/jina"
	"github.com/sells-group/obit-cli/pkg/perplexity"
)

// Endpoints holds provider base URLs. Empty fields use the public defaults.
type Endpoints struct {
	WikidataSPARQL  string
	Wikipedia       string
	LegacyFeed      string
	NewsFeed        string
	OpenLibrary     string
	InternetArchive string
}

// DefaultEndpoints returns the public provider URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		WikidataSPARQL:  "https://query.wikidata.org/sparql",
		Wikipedia:       "https://en.wikipedia.org",
		LegacyFeed:      "https://www.legacy.com/api/obituaries/rss",
		NewsFeed:        "https://news.google.com/rss/search",
		OpenLibrary:     "https://openlibrary.org",
		InternetArchive: "https://archive.org",
	}
}

func (e Endpoints) withDefaults() Endpoints {
	d := DefaultEndpoints()
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return strings.TrimRight(v, "/")
	}
	return Endpoints{
		WikidataSPARQL:  pick(e.WikidataSPARQL, d.WikidataSPARQL),
		Wikipedia:       pick(e.Wikipedia, d.Wikipedia),
		LegacyFeed:      pick(e.LegacyFeed, d.LegacyFeed),
		NewsFeed:        pick(e.NewsFeed, d.NewsFeed),
		OpenLibrary:     pick(e.OpenLibrary, d.OpenLibrary),
		InternetArchive: pick(e.InternetArchive, d.InternetArchive),
	}
}

// Deps are the collaborators shared by all providers of one pipeline.
type Deps struct {
	Pipeline   pipeline.Definition
	Cache      store.Cache
	Fetcher    *scrape.Fetcher
	Fallback   scrape.ArchiveFallback
	Costs      *cost.Calculator
	Jina       jina.Client
	Perplexity perplexity.Client
	Endpoints  Endpoints

	NoCache            bool
	MinDelay           time.Duration
	Timeout            time.Duration
	LowPriorityTimeout time.Duration
}

func (d Deps) options(lowPriority bool) source.Options {
	opts := source.Options{NoCache: d.NoCache, Timeout: d.Timeout, LowPriority: lowPriority}
	if lowPriority {
		opts.Timeout = d.LowPriorityTimeout
	}
	return opts
}

func (d Deps) fetcher() *scrape.Fetcher {
	if d.Fetcher == nil {
		return scrape.NewFetcher()
	}
	return d.Fetcher
}

func (d Deps) costs() *cost.Calculator {
	if d.Costs == nil {
		return cost.NewCalculator(cost.DefaultRates())
	}
	return d.Costs
}

// NewRegistry builds every provider for the pipeline in deps.
func NewRegistry(deps Deps) *source.Registry {
	deps.Endpoints = deps.Endpoints.withDefaults()
	r := source.NewRegistry()
	r.Register(NewWikidata(deps))
	r.Register(NewWikipedia(deps))
	r.Register(NewLegacy(deps))
	r.Register(NewNewsFeed(deps))
	r.Register(NewJinaSearch(deps))
	r.Register(NewPerplexity(deps))
	r.Register(NewOpenLibrary(deps))
	r.Register(NewInternetArchive(deps))
	return r
}

// lastName returns the final token of a name, used to filter feed items.
func lastName(name string) string {
	f := strings.Fields(name)
	if len(f) == 0 {
		return ""
	}
	return strings.ToLower(f[len(f)-1])
}

func entry(url string) model.SourceEntry {
	return model.SourceEntry{URL: url}
}

// blockedFromStatus converts an API status error with a refusing status into
// a BlockedError so the orchestrator routes it to review.
func blockedFromStatus(err error, url string) error {
	var je *jina.StatusError
	if errors.As(err, &je) && resilience.IsBlockedStatus(je.StatusCode) {
		return &resilience.BlockedError{StatusCode: je.StatusCode, URL: url, Reason: "status"}
	}
	var pe *perplexity.StatusError
	if errors.As(err, &pe) && resilience.IsBlockedStatus(pe.StatusCode) {
		return &resilience.BlockedError{StatusCode: pe.StatusCode, URL: url, Reason: "status"}
	}
	return err
}
