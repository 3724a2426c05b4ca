package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
)

const newsMaxArticles = 3

// NewsFeed searches a news RSS feed and reads the linked articles. Blocked
// articles get one archive fallback attempt each.
type NewsFeed struct {
	source.KeywordScorer
	def      pipeline.Definition
	feedURL  string
	fetcher  *scrape.Fetcher
	fallback scrape.ArchiveFallback
}

// NewNewsFeed creates the news_feed source.
func NewNewsFeed(deps Deps) *source.Base {
	deps.Endpoints = deps.Endpoints.withDefaults()
	n := &NewsFeed{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		feedURL:       deps.Endpoints.NewsFeed,
		fetcher:       deps.fetcher(),
		fallback:      deps.Fallback,
	}
	return source.NewBase(model.SourceDescriptor{
		Name:            "News",
		Type:            model.SourceNewsFeed,
		IsFree:          true,
		ReliabilityTier: model.TierMajorPublisher,
		MinDelay:        deps.MinDelay,
	}, n, deps.Cache, deps.options(false))
}

// Query implements source.Performer.
func (n *NewsFeed) Query(s model.Subject) string {
	return n.def.SearchQuery(s)
}

// PerformLookup implements source.Performer.
func (n *NewsFeed) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("%q %s", s.Name, n.def.Topic))
	q.Set("hl", "en-US")
	q.Set("gl", "US")
	q.Set("ceid", "US:en")
	feed, page, err := fetchFeed(ctx, n.fetcher, n.fallback, n.feedURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if feed == nil {
		// Archived search results carry no article links to follow.
		return nil, page.Blocked
	}

	items := matchingItems(feed, lastName(s.Name), newsMaxArticles)
	if len(items) == 0 {
		return model.Failed(entry(""), "news_feed: no matching articles"), nil
	}

	var (
		parts       []string
		firstURL    string
		publication string
		lastBlock   error
	)
	for _, item := range items {
		headline, pub := splitPublication(item.Title)
		text := ""
		article, err := scrape.FetchWithFallback(ctx, n.fetcher, n.fallback, item.Link)
		switch {
		case err == nil:
			text = article.Text
		default:
			if _, ok := resilience.AsBlocked(err); ok {
				lastBlock = err
			}
			zap.L().Debug("news_feed: article fetch failed",
				zap.String("url", item.Link),
				zap.Error(err),
			)
			text = itemText(item)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if firstURL == "" {
			firstURL, publication = item.Link, pub
		}
		parts = append(parts, headline+"\n"+text)
	}

	if len(parts) == 0 {
		if lastBlock != nil {
			return nil, lastBlock
		}
		return model.Failed(entry(items[0].Link), "news_feed: no article text"), nil
	}

	return model.Succeeded(entry(firstURL), &model.RawEvidence{
		Text:        strings.Join(parts, "\n\n"),
		Publication: publication,
		URL:         firstURL,
		ContentType: "news",
	}), nil
}
