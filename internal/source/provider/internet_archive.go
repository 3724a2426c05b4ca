package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
)

const (
	iaMaxDocs       = 5
	iaMinMetaText   = 400
	iaSnippetRadius = 600
	iaMaxSnippets   = 4
)

// InternetArchive searches archive.org items about the subject and, when
// item metadata is thin, reads snippets from the first item's full text.
type InternetArchive struct {
	source.KeywordScorer
	def      pipeline.Definition
	baseURL  string
	fetcher  *scrape.Fetcher
	fallback scrape.ArchiveFallback
}

// NewInternetArchive creates the internet_archive source. It runs at low priority.
func NewInternetArchive(deps Deps) *source.Base {
	deps.Endpoints = deps.Endpoints.withDefaults()
	ia := &InternetArchive{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		baseURL:       deps.Endpoints.InternetArchive,
		fetcher:       deps.fetcher(),
		fallback:      deps.Fallback,
	}
	return source.NewBase(model.SourceDescriptor{
		Name:            "Internet Archive",
		Type:            model.SourceInternetArchive,
		IsFree:          true,
		ReliabilityTier: model.TierReference,
		MinDelay:        deps.MinDelay,
	}, ia, deps.Cache, deps.options(true))
}

// Query implements source.Performer.
func (ia *InternetArchive) Query(s model.Subject) string {
	return fmt.Sprintf("%s archive %s", s.Name, ia.def.Kind)
}

// stringOrList decodes metadata fields that archive.org returns either as a
// string or as a list of strings.
type stringOrList []string

func (s *stringOrList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type iaSearch struct {
	Response struct {
		Docs []struct {
			Identifier  string       `json:"identifier"`
			Title       stringOrList `json:"title"`
			Description stringOrList `json:"description"`
		} `json:"docs"`
	} `json:"response"`
}

// PerformLookup implements source.Performer.
func (ia *InternetArchive) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("%q AND mediatype:texts", s.Name))
	q.Add("fl[]", "identifier")
	q.Add("fl[]", "title")
	q.Add("fl[]", "description")
	q.Set("rows", fmt.Sprint(iaMaxDocs))
	q.Set("output", "json")

	page, err := scrape.GetWithFallback(ctx, ia.fetcher, ia.fallback, ia.baseURL+"/advancedsearch.php?"+q.Encode(), "")
	if err != nil {
		return nil, err
	}
	var search iaSearch
	if err := json.Unmarshal(page.Body, &search); err != nil {
		if page.ViaFallback {
			return nil, page.Blocked
		}
		return nil, eris.Wrap(err, "internet_archive: decode search")
	}
	docs := search.Response.Docs
	if len(docs) == 0 {
		return model.Failed(entry(""), "internet_archive: no items"), nil
	}

	var parts []string
	for _, d := range docs {
		t := strings.Join(d.Title, " ")
		desc := strings.Join(d.Description, " ")
		if strings.Contains(desc, "<") {
			_, desc = scrape.ExtractText([]byte("<html><body>"+desc+"</body></html>"), "")
		}
		parts = append(parts, strings.TrimSpace(t+"\n"+desc))
	}
	text := strings.Join(parts, "\n\n")
	itemURL := ia.baseURL + "/details/" + docs[0].Identifier

	if len(text) < iaMinMetaText {
		full, err := ia.fullText(ctx, docs[0].Identifier)
		if err != nil {
			zap.L().Debug("internet_archive: full text unavailable",
				zap.String("identifier", docs[0].Identifier),
				zap.Error(err),
			)
		} else if snippets := snippetsAround(full, s.Name, iaSnippetRadius, iaMaxSnippets); snippets != "" {
			text += "\n\n" + snippets
		}
	}

	return model.Succeeded(entry(itemURL), &model.RawEvidence{
		Text:        text,
		Publication: "Internet Archive",
		URL:         itemURL,
		ContentType: "archive",
	}), nil
}

func (ia *InternetArchive) fullText(ctx context.Context, id string) (string, error) {
	page, err := scrape.GetWithFallback(ctx, ia.fetcher, ia.fallback, fmt.Sprintf("%s/download/%s/%s_djvu.txt", ia.baseURL, id, id), "")
	if err != nil {
		return "", err
	}
	return string(page.Body), nil
}

// snippetsAround returns up to limit windows of text centred on mentions of name.
func snippetsAround(text, name string, radius, limit int) string {
	lower := strings.ToLower(text)
	needle := strings.ToLower(name)
	if needle == "" {
		return ""
	}
	var out []string
	from := 0
	for len(out) < limit {
		i := strings.Index(lower[from:], needle)
		if i < 0 {
			break
		}
		i += from
		start := max(0, i-radius)
		end := min(len(text), i+len(needle)+radius)
		out = append(out, strings.Join(strings.Fields(text[start:end]), " "))
		from = end
		if from >= len(lower) {
			break
		}
	}
	return strings.Join(out, "\n...\n")
}
