package scrape

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/pkg/firecrawl"
	"github.com/sells-group/obit-cli/pkg/jina"
)

// ArchiveFallback retrieves the text of a URL that refused a direct fetch.
type ArchiveFallback interface {
	Name() string
	Fetch(ctx context.Context, targetURL string) (string, error)
}

// FetchWithFallback fetches an article directly. When the direct fetch is
// blocked and a fallback is configured, exactly one fallback retrieval is
// made; if it fails the original block is returned.
func FetchWithFallback(ctx context.Context, f *Fetcher, fb ArchiveFallback, targetURL string) (*Article, error) {
	article, err := f.Article(ctx, targetURL)
	if err == nil {
		return article, nil
	}
	blocked, text, err := recoverBlock(ctx, fb, err, targetURL)
	if err != nil {
		return nil, err
	}
	return &Article{URL: targetURL, Text: text, StatusCode: blocked.StatusCode, ViaFallback: true}, nil
}

// GetWithFallback is Fetcher.Get with the same single fallback attempt.
// archiveURL names the page handed to the fallback, usually the
// human-readable page behind an API URL; empty means targetURL. The
// returned page has ViaFallback set and its Body holds the fallback text,
// so callers decode it differently from a direct response.
func GetWithFallback(ctx context.Context, f *Fetcher, fb ArchiveFallback, targetURL, archiveURL string) (*Page, error) {
	page, err := f.Get(ctx, targetURL)
	if err == nil {
		return page, nil
	}
	if archiveURL == "" {
		archiveURL = targetURL
	}
	blocked, text, err := recoverBlock(ctx, fb, err, archiveURL)
	if err != nil {
		return nil, err
	}
	return &Page{
		URL:         archiveURL,
		StatusCode:  blocked.StatusCode,
		Body:        []byte(text),
		ViaFallback: true,
		Blocked:     blocked,
	}, nil
}

// recoverBlock makes the one fallback call for a blocked fetch. Anything
// short of usable fallback text returns the original error.
func recoverBlock(ctx context.Context, fb ArchiveFallback, err error, targetURL string) (*resilience.BlockedError, string, error) {
	blocked, ok := resilience.AsBlocked(err)
	if !ok || fb == nil {
		return nil, "", err
	}
	text, fbErr := fb.Fetch(ctx, targetURL)
	if fbErr == nil && strings.TrimSpace(text) == "" {
		fbErr = eris.New("empty fallback text")
	}
	if fbErr != nil {
		zap.L().Debug("scrape: fallback failed",
			zap.String("fallback", fb.Name()),
			zap.String("url", targetURL),
			zap.Error(fbErr),
		)
		return nil, "", blocked
	}
	return blocked, text, nil
}

// WaybackFallback reads the closest Wayback Machine snapshot of a URL.
type WaybackFallback struct {
	availabilityURL string
	fetcher         *Fetcher
	retry           resilience.RetryConfig
}

// NewWaybackFallback creates a WaybackFallback. availabilityURL is the
// archive.org availability endpoint.
func NewWaybackFallback(availabilityURL string, f *Fetcher) *WaybackFallback {
	if availabilityURL == "" {
		availabilityURL = "https://archive.org/wayback/available"
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("wayback", "availability")
	return &WaybackFallback{availabilityURL: availabilityURL, fetcher: f, retry: retry}
}

// Name implements ArchiveFallback.
func (w *WaybackFallback) Name() string { return "wayback" }

type waybackAvailability struct {
	ArchivedSnapshots struct {
		Closest struct {
			Available bool   `json:"available"`
			URL       string `json:"url"`
			Status    string `json:"status"`
		} `json:"closest"`
	} `json:"archived_snapshots"`
}

// Fetch looks up the closest snapshot and extracts its text.
func (w *WaybackFallback) Fetch(ctx context.Context, targetURL string) (string, error) {
	q := url.Values{}
	q.Set("url", targetURL)
	// The availability API sheds load with 503s; those are retried.
	page, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (*Page, error) {
		return w.fetcher.Get(ctx, w.availabilityURL+"?"+q.Encode())
	})
	if err != nil {
		return "", eris.Wrap(err, "wayback: availability lookup")
	}

	var avail waybackAvailability
	if err := json.Unmarshal(page.Body, &avail); err != nil {
		return "", eris.Wrap(err, "wayback: decode availability")
	}
	closest := avail.ArchivedSnapshots.Closest
	if !closest.Available || closest.URL == "" {
		return "", eris.Errorf("wayback: no snapshot for %s", targetURL)
	}

	article, err := w.fetcher.Article(ctx, closest.URL)
	if err != nil {
		return "", eris.Wrap(err, "wayback: fetch snapshot")
	}
	return article.Text, nil
}

// JinaFallback reads a URL through the Jina Reader, which renders pages
// server-side. A circuit breaker skips Jina after repeated failures.
type JinaFallback struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaFallback creates a JinaFallback. Three consecutive failures open
// the circuit for 60s.
func NewJinaFallback(client jina.Client) *JinaFallback {
	return &JinaFallback{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("scrape: jina fallback circuit changed",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
	}
}

// Name implements ArchiveFallback.
func (j *JinaFallback) Name() string { return "jina" }

// Fetch reads targetURL via Jina and rejects challenge pages.
func (j *JinaFallback) Fetch(ctx context.Context, targetURL string) (string, error) {
	return resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (string, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return "", err
		}
		if needsFallback(resp) {
			return "", eris.Errorf("jina: unusable content for %s", targetURL)
		}
		return strings.TrimSpace(resp.Data.Content), nil
	})
}

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// needsFallback reports whether a Jina response is empty or a challenge page.
func needsFallback(resp *jina.ReadResponse) bool {
	if resp == nil {
		return true
	}
	if resp.Code != 0 && resp.Code != 200 {
		return true
	}
	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < minArticleChars {
		return true
	}
	lower := strings.ToLower(content)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) && len(content) < 1000 {
			return true
		}
	}
	return false
}

// FirecrawlFallback scrapes a URL through Firecrawl's proxy network.
type FirecrawlFallback struct {
	client firecrawl.Client
}

// NewFirecrawlFallback creates a FirecrawlFallback.
func NewFirecrawlFallback(client firecrawl.Client) *FirecrawlFallback {
	return &FirecrawlFallback{client: client}
}

// Name implements ArchiveFallback.
func (f *FirecrawlFallback) Name() string { return "firecrawl" }

// Fetch scrapes targetURL as markdown.
func (f *FirecrawlFallback) Fetch(ctx context.Context, targetURL string) (string, error) {
	resp, err := f.client.Scrape(ctx, firecrawl.ScrapeRequest{
		URL:             targetURL,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
	})
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", eris.Errorf("firecrawl: scrape not successful: %s", resp.Error)
	}
	text := strings.TrimSpace(resp.Data.Markdown)
	if len(text) < minArticleChars {
		return "", eris.Errorf("firecrawl: no content for %s", targetURL)
	}
	return text, nil
}
