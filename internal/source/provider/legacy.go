package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
)

const legacyMaxItems = 3

// Legacy reads obituary listings from the Legacy.com RSS search feed.
type Legacy struct {
	source.KeywordScorer
	def      pipeline.Definition
	feedURL  string
	fetcher  *scrape.Fetcher
	fallback scrape.ArchiveFallback
}

// NewLegacy creates the legacy source. It runs at low priority.
func NewLegacy(deps Deps) *source.Base {
	deps.Endpoints = deps.Endpoints.withDefaults()
	l := &Legacy{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		feedURL:       deps.Endpoints.LegacyFeed,
		fetcher:       deps.fetcher(),
		fallback:      deps.Fallback,
	}
	return source.NewBase(model.SourceDescriptor{
		Name:            "Legacy.com",
		Type:            model.SourceLegacy,
		IsFree:          true,
		ReliabilityTier: model.TierUserGenerated,
		MinDelay:        deps.MinDelay,
	}, l, deps.Cache, deps.options(true))
}

// Query implements source.Performer.
func (l *Legacy) Query(s model.Subject) string {
	q := s.Name + " obituary"
	if y := s.DeathYear(); y > 0 {
		q = fmt.Sprintf("%s %d", q, y)
	}
	return q
}

// PerformLookup implements source.Performer.
func (l *Legacy) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	q := url.Values{}
	q.Set("q", s.Name)
	if y := s.DeathYear(); y > 0 {
		q.Set("year", fmt.Sprint(y))
	}
	feed, page, err := fetchFeed(ctx, l.fetcher, l.fallback, l.feedURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if feed == nil {
		return archivedListing(page, s), nil
	}

	items := matchingItems(feed, lastName(s.Name), legacyMaxItems)
	if len(items) == 0 {
		return model.Failed(entry(""), "legacy: no matching obituary"), nil
	}

	var parts []string
	for _, item := range items {
		text := itemText(item)
		if text == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(item.Title)+"\n"+text)
	}
	if len(parts) == 0 {
		return model.Failed(entry(items[0].Link), "legacy: empty obituary listing"), nil
	}

	return model.Succeeded(entry(items[0].Link), &model.RawEvidence{
		Text:        strings.Join(parts, "\n\n"),
		Publication: "Legacy.com",
		URL:         items[0].Link,
		ContentType: "obituary",
	}), nil
}

// archivedListing uses the fallback text of a blocked listing as the
// obituary evidence when it mentions the subject.
func archivedListing(page *scrape.Page, s model.Subject) *model.LookupResult {
	text := strings.TrimSpace(string(page.Body))
	if !strings.Contains(strings.ToLower(text), lastName(s.Name)) {
		return model.Failed(entry(page.URL), "legacy: no matching obituary")
	}
	return model.Succeeded(entry(page.URL), &model.RawEvidence{
		Text:        text,
		Publication: "Legacy.com",
		URL:         page.URL,
		ContentType: "obituary",
	})
}
