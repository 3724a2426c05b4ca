package scrape

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/sells-group/obit-cli/internal/resilience"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockStatus     BlockType = "status"
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// minArticleText is the visible text length below which a script-heavy page
// is treated as a JS challenge shell.
const minArticleText = 500

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|noscript|style)[^>]*>.*?</(script|noscript|style)>`)
	anyTagRe      = regexp.MustCompile(`<[^>]+>`)
)

// DetectBlock checks an HTTP response for signs of anti-bot protection:
// a refusing status code, a challenge page, a CAPTCHA, or a short page that
// is mostly script. The body checks apply to HTML only; JSON, feeds and
// plain text pass on status alone.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	// Cloudflare: 403/503 with cf-* headers.
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" ||
			resp.Header.Get("server") == "cloudflare" {
			return true, BlockCloudflare
		}
	}

	if resilience.IsBlockedStatus(resp.StatusCode) {
		return true, BlockStatus
	}
	if resp.StatusCode >= 300 || !isHTML(resp, body) {
		return false, BlockNone
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "captcha") {
		return true, BlockCaptcha
	}

	if isScriptShell(lower) {
		return true, BlockJSShell
	}

	return false, BlockNone
}

// isHTML reports an HTML response by Content-Type, sniffing the body when
// the header is missing.
func isHTML(resp *http.Response, body []byte) bool {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(body)
	}
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// isScriptShell reports a page dominated by <script>/<noscript> with no
// article-length text, or one that only redirects via meta refresh.
func isScriptShell(lower string) bool {
	if !strings.Contains(lower, "<script") && !strings.Contains(lower, "<noscript") &&
		!strings.Contains(lower, `http-equiv="refresh"`) {
		return false
	}
	scripts := scriptBlockRe.FindAllString(lower, -1)
	scriptLen := 0
	for _, s := range scripts {
		scriptLen += len(s)
	}
	visible := strings.Join(strings.Fields(anyTagRe.ReplaceAllString(scriptBlockRe.ReplaceAllString(lower, " "), " ")), " ")
	if len(visible) >= minArticleText {
		return false
	}
	if strings.Contains(lower, `http-equiv="refresh"`) {
		return true
	}
	return scriptLen > len(visible)
}

// BlockError builds the typed error for a detected block.
func BlockError(statusCode int, url string, bt BlockType) *resilience.BlockedError {
	return &resilience.BlockedError{StatusCode: statusCode, URL: url, Reason: string(bt)}
}
