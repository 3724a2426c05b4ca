package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/pipeline"
	"github.com/sells-group/obit-cli/internal/scrape"
	"github.com/sells-group/obit-cli/internal/source"
)

// OpenLibrary reads author records from Open Library. Many public figures
// wrote or are catalogued as authors, and their records carry a biography.
type OpenLibrary struct {
	source.KeywordScorer
	def      pipeline.Definition
	baseURL  string
	fetcher  *scrape.Fetcher
	fallback scrape.ArchiveFallback
}

// NewOpenLibrary creates the open_library source.
func NewOpenLibrary(deps Deps) *source.Base {
	deps.Endpoints = deps.Endpoints.withDefaults()
	o := &OpenLibrary{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		baseURL:       deps.Endpoints.OpenLibrary,
		fetcher:       deps.fetcher(),
		fallback:      deps.Fallback,
	}
	return source.NewBase(model.SourceDescriptor{
		Name:            "Open Library",
		Type:            model.SourceOpenLibrary,
		IsFree:          true,
		ReliabilityTier: model.TierReference,
		MinDelay:        deps.MinDelay,
	}, o, deps.Cache, deps.options(false))
}

// Query implements source.Performer.
func (o *OpenLibrary) Query(s model.Subject) string {
	return fmt.Sprintf("%s author %s", s.Name, o.def.Kind)
}

type olAuthorSearch struct {
	Docs []struct {
		Key       string `json:"key"`
		Name      string `json:"name"`
		BirthDate string `json:"birth_date"`
		DeathDate string `json:"death_date"`
		TopWork   string `json:"top_work"`
	} `json:"docs"`
}

type olAuthor struct {
	Name      string          `json:"name"`
	Bio       json.RawMessage `json:"bio"`
	BirthDate string          `json:"birth_date"`
	DeathDate string          `json:"death_date"`
}

// bioText handles both encodings of "bio": a bare string or {"type","value"}.
func (a olAuthor) bioText() string {
	if len(a.Bio) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(a.Bio, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var typed struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(a.Bio, &typed); err == nil {
		return strings.TrimSpace(typed.Value)
	}
	return ""
}

// PerformLookup implements source.Performer.
func (o *OpenLibrary) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	q := url.Values{}
	q.Set("q", s.Name)
	page, err := scrape.GetWithFallback(ctx, o.fetcher, o.fallback, o.baseURL+"/search/authors.json?"+q.Encode(), "")
	if err != nil {
		return nil, err
	}
	var search olAuthorSearch
	if err := json.Unmarshal(page.Body, &search); err != nil {
		if page.ViaFallback {
			return nil, page.Blocked
		}
		return nil, eris.Wrap(err, "open_library: decode author search")
	}

	key := ""
	for _, d := range search.Docs {
		if !strings.EqualFold(strings.TrimSpace(d.Name), strings.TrimSpace(s.Name)) {
			continue
		}
		if y := s.DeathYear(); y > 0 && d.DeathDate != "" && !strings.Contains(d.DeathDate, fmt.Sprint(y)) {
			continue
		}
		key = d.Key
		break
	}
	if key == "" {
		return model.Failed(entry(""), "open_library: no matching author"), nil
	}
	key = strings.TrimPrefix(key, "/authors/")

	authorURL := o.baseURL + "/authors/" + key
	page, err = scrape.GetWithFallback(ctx, o.fetcher, o.fallback, authorURL+".json", authorURL)
	if err != nil {
		return nil, err
	}
	if page.ViaFallback {
		return model.Succeeded(entry(authorURL), &model.RawEvidence{
			Text:        strings.TrimSpace(string(page.Body)),
			Publication: "Open Library",
			URL:         authorURL,
			ContentType: "author_record",
		}), nil
	}
	var author olAuthor
	if err := json.Unmarshal(page.Body, &author); err != nil {
		return nil, eris.Wrap(err, "open_library: decode author")
	}

	var sb strings.Builder
	if author.BirthDate != "" {
		fmt.Fprintf(&sb, "%s was born %s. ", s.Name, author.BirthDate)
	}
	if author.DeathDate != "" {
		fmt.Fprintf(&sb, "%s died %s. ", s.Name, author.DeathDate)
	}
	sb.WriteString(author.bioText())
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return model.Failed(entry(authorURL), "open_library: author record has no biography"), nil
	}

	return model.Succeeded(entry(authorURL), &model.RawEvidence{
		Text:        text,
		Publication: "Open Library",
		URL:         authorURL,
		ContentType: "author_record",
	}), nil
}
