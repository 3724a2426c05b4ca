// Package scrape fetches web pages for sources, detects anti-bot blocks and
// retrieves blocked pages through an archive fallback.
package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/resilience"
)

const (
	defaultUserAgent = "Mozilla/5.0 (compatible; ObitBot/1.0)"
	maxBodyBytes     = 2 * 1024 * 1024
	minArticleChars  = 100
)

// Page is a fetched HTTP response body. A page served by an ArchiveFallback
// carries the fallback's text as Body and keeps the direct fetch's block.
type Page struct {
	URL         string
	StatusCode  int
	Body        []byte
	ViaFallback bool
	Blocked     *resilience.BlockedError
}

// Article is readable text extracted from a page.
type Article struct {
	URL         string
	Title       string
	Text        string
	StatusCode  int
	ViaFallback bool
}

// Fetcher performs plain HTTP GETs with block detection.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = hc }
}

// NewFetcher creates a Fetcher with sensible defaults.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		userAgent: defaultUserAgent,
		client: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Get fetches targetURL. A blocking status or challenge page is returned as
// *resilience.BlockedError; retryable statuses come back as *resilience.TransientError.
func (f *Fetcher) Get(ctx context.Context, targetURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml,application/json;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: do request")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "fetch: read body")
	}

	if blocked, bt := DetectBlock(resp, body); blocked {
		return nil, BlockError(resp.StatusCode, targetURL, bt)
	}
	if resp.StatusCode >= 400 {
		err := eris.Errorf("fetch: status %d for %s", resp.StatusCode, targetURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	return &Page{URL: targetURL, StatusCode: resp.StatusCode, Body: body}, nil
}

// Article fetches targetURL and extracts its main text with readability,
// falling back to tag stripping when extraction yields too little.
func (f *Fetcher) Article(ctx context.Context, targetURL string) (*Article, error) {
	page, err := f.Get(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	title, text := ExtractText(page.Body, targetURL)
	if len(text) < minArticleChars {
		return nil, eris.Errorf("fetch: no extractable content at %s", targetURL)
	}
	return &Article{URL: targetURL, Title: title, Text: text, StatusCode: page.StatusCode}, nil
}

// ExtractText returns the title and readable text of an HTML document.
func ExtractText(body []byte, pageURL string) (string, string) {
	parsed, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err == nil {
		text := strings.TrimSpace(article.TextContent)
		if len(text) >= minArticleChars {
			return strings.TrimSpace(article.Title), collapseSpace(text)
		}
	}
	return extractTitle(body), stripHTML(string(body))
}

var (
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	dropTagRes = func() []*regexp.Regexp {
		var res []*regexp.Regexp
		for _, tag := range []string{"script", "style", "nav", "footer", "noscript"} {
			res = append(res, regexp.MustCompile(`(?is)<`+tag+`[^>]*>.*?</`+tag+`>`))
		}
		return res
	}()
	spaceRe = regexp.MustCompile(`[ \t]+`)
	nlRe    = regexp.MustCompile(`\n{3,}`)
)

func extractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if len(m) > 1 {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// stripHTML removes scripts/styles/nav/footer, strips tags, decodes entities
// and collapses whitespace.
func stripHTML(html string) string {
	for _, re := range dropTagRes {
		html = re.ReplaceAllString(html, "")
	}
	html = anyTagRe.ReplaceAllString(html, " ")

	r := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
	return collapseSpace(r.Replace(html))
}

func collapseSpace(s string) string {
	s = spaceRe.ReplaceAllString(s, " ")
	s = nlRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
