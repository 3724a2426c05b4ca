package provider

import (
	"bytes"
	"context"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/scrape"
)

// fetchFeed downloads and parses an RSS/Atom feed. A blocked feed gets one
// fallback retrieval; when the recovered text is not a feed, the page is
// returned with a nil feed so the caller can use the text itself.
func fetchFeed(ctx context.Context, f *scrape.Fetcher, fb scrape.ArchiveFallback, feedURL string) (*gofeed.Feed, *scrape.Page, error) {
	page, err := scrape.GetWithFallback(ctx, f, fb, feedURL, "")
	if err != nil {
		return nil, nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(page.Body))
	if err != nil {
		if page.ViaFallback {
			return nil, page, nil
		}
		return nil, nil, eris.Wrap(err, "feed: parse")
	}
	return feed, page, nil
}

// matchingItems returns the items whose title mentions surname, in feed order.
func matchingItems(feed *gofeed.Feed, surname string, limit int) []*gofeed.Item {
	var out []*gofeed.Item
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		if surname != "" && !strings.Contains(strings.ToLower(item.Title), surname) {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// itemText returns the item's content, falling back to its description,
// with markup stripped.
func itemText(item *gofeed.Item) string {
	raw := item.Content
	if strings.TrimSpace(raw) == "" {
		raw = item.Description
	}
	if strings.Contains(raw, "<") {
		_, text := scrape.ExtractText([]byte("<html><body>"+raw+"</body></html>"), item.Link)
		return text
	}
	return strings.TrimSpace(raw)
}

// splitPublication splits a news headline of the form "Title - Publisher".
func splitPublication(title string) (string, string) {
	if i := strings.LastIndex(title, " - "); i > 0 {
		return strings.TrimSpace(title[:i]), strings.TrimSpace(title[i+3:])
	}
	return strings.TrimSpace(title), ""
}
