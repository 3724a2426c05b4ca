package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
)

// sectionHeadings selects the article sections relevant to each pipeline.
var sectionHeadings = map[model.Kind][]string{
	model.KindCauseOfDeath: {"death", "illness", "later life", "final years", "health"},
	model.KindBiography:    {"early life", "childhood", "education", "personal life", "career", "family", "legacy"},
}

var headingRe = regexp.MustCompile(`(?m)^(={2,})\s*(.+?)\s*={2,}\s*$`)

// Wikipedia reads article extracts from the MediaWiki API.
type Wikipedia struct {
	source.KeywordScorer
	def      pipeline.Definition
	baseURL  string
	fetcher  *scrape.Fetcher
	fallback scrape.ArchiveFallback
}

// NewWikipedia creates the wikipedia source.
func NewWikipedia(deps Deps) *source.Base {
	deps.Endpoints = deps.Endpoints.withDefaults()
	w := &Wikipedia{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		baseURL:       deps.Endpoints.Wikipedia,
		fetcher:       deps.fetcher(),
		fallback:      deps.Fallback,
	}
	return source.NewBase(model.SourceDescriptor{
		Name:            "Wikipedia",
		Type:            model.SourceWikipedia,
		IsFree:          true,
		ReliabilityTier: model.TierReference,
		MinDelay:        deps.MinDelay,
	}, w, deps.Cache, deps.options(false))
}

func title(s model.Subject) string {
	if s.WikipediaTitle != "" {
		return s.WikipediaTitle
	}
	return s.Name
}

// Query implements source.Performer.
func (w *Wikipedia) Query(s model.Subject) string {
	return fmt.Sprintf("%s %s", title(s), w.def.Kind)
}

type extractResponse struct {
	Query struct {
		Pages map[string]struct {
			Title   string  `json:"title"`
			Extract string  `json:"extract"`
			Missing *string `json:"missing"`
		} `json:"pages"`
	} `json:"query"`
}

// PerformLookup implements source.Performer.
func (w *Wikipedia) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("prop", "extracts")
	q.Set("explaintext", "1")
	q.Set("redirects", "1")
	q.Set("format", "json")
	q.Set("titles", title(s))

	// A blocked API call falls back to the article page itself.
	page, err := scrape.GetWithFallback(ctx, w.fetcher, w.fallback,
		w.baseURL+"/w/api.php?"+q.Encode(), w.articleURL(title(s)))
	if err != nil {
		return nil, err
	}
	if page.ViaFallback {
		return model.Succeeded(entry(page.URL), &model.RawEvidence{
			Text:        relevantSections(string(page.Body), sectionHeadings[w.def.Kind]),
			Publication: "Wikipedia",
			URL:         page.URL,
			ContentType: "article",
		}), nil
	}

	var resp extractResponse
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, eris.Wrap(err, "wikipedia: decode extract")
	}
	for _, p := range resp.Query.Pages {
		if p.Missing != nil || strings.TrimSpace(p.Extract) == "" {
			continue
		}
		articleURL := w.articleURL(p.Title)
		text := relevantSections(p.Extract, sectionHeadings[w.def.Kind])
		return model.Succeeded(entry(articleURL), &model.RawEvidence{
			Text:        text,
			Publication: "Wikipedia",
			URL:         articleURL,
			ContentType: "article",
		}), nil
	}
	return model.Failed(entry(""), "wikipedia: page not found"), nil
}

func (w *Wikipedia) articleURL(t string) string {
	return w.baseURL + "/wiki/" + url.PathEscape(strings.ReplaceAll(t, " ", "_"))
}

// relevantSections keeps the lead section plus every section whose heading
// contains one of headings. Subsections follow their parent.
func relevantSections(extract string, headings []string) string {
	locs := headingRe.FindAllStringSubmatchIndex(extract, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(extract)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(extract[:locs[0][0]]))

	keepLevel := 0
	for i, loc := range locs {
		level := loc[3] - loc[2]
		heading := extract[loc[4]:loc[5]]
		end := len(extract)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(extract[loc[1]:end])

		if keepLevel > 0 && level <= keepLevel {
			keepLevel = 0
		}
		if keepLevel == 0 && matchesAny(strings.ToLower(heading), headings) {
			keepLevel = level
		}
		if keepLevel > 0 && body != "" {
			sb.WriteString("\n\n")
			sb.WriteString(heading)
			sb.WriteString("\n")
			sb.WriteString(body)
		}
	}
	return strings.TrimSpace(sb.String())
}

func matchesAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
