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

var qidRe = regexp.MustCompile(`^Q\d+$`)

// Wikidata reads structured death and life facts from the Wikidata SPARQL endpoint.
type Wikidata struct {
	source.KeywordScorer
	def      pipeline.Definition
	endpoint string
	fetcher  *scrape.Fetcher
}

// NewWikidata creates the wikidata source.
func NewWikidata(deps Deps) *source.Base {
	deps.Endpoints = deps.Endpoints.withDefaults()
	w := &Wikidata{
		KeywordScorer: deps.Pipeline.Scorer(),
		def:           deps.Pipeline,
		endpoint:      deps.Endpoints.WikidataSPARQL,
		fetcher:       deps.fetcher(),
	}
	return source.NewBase(model.SourceDescriptor{
		Name:            "Wikidata",
		Type:            model.SourceWikidata,
		IsFree:          true,
		ReliabilityTier: model.TierStructuredData,
		MinDelay:        deps.MinDelay,
	}, w, deps.Cache, deps.options(false))
}

// Query implements source.Performer.
func (w *Wikidata) Query(s model.Subject) string {
	id := s.WikidataID
	if id == "" {
		id = s.Name
	}
	return fmt.Sprintf("%s %s", id, w.def.Kind)
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

// PerformLookup implements source.Performer.
func (w *Wikidata) PerformLookup(ctx context.Context, s model.Subject) (*model.LookupResult, error) {
	q := url.Values{}
	q.Set("query", w.sparql(s))
	q.Set("format", "json")
	reqURL := w.endpoint + "?" + q.Encode()

	page, err := w.fetcher.Get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var resp sparqlResponse
	if err := json.Unmarshal(page.Body, &resp); err != nil {
		return nil, eris.Wrap(err, "wikidata: decode sparql response")
	}
	if len(resp.Results.Bindings) == 0 {
		return model.Failed(entry(""), "wikidata: no entity found"), nil
	}

	b := resp.Results.Bindings[0]
	val := func(k string) string { return strings.TrimSpace(b[k].Value) }
	name := val("personLabel")
	if name == "" {
		name = s.Name
	}

	var sb strings.Builder
	switch w.def.Kind {
	case model.KindCauseOfDeath:
		if d := val("dod"); d != "" {
			fmt.Fprintf(&sb, "%s died on %s", name, dateOnly(d))
			if p := val("placeOfDeath"); p != "" {
				fmt.Fprintf(&sb, " in %s", p)
			}
			sb.WriteString(". ")
		}
		if c := val("causes"); c != "" {
			fmt.Fprintf(&sb, "Cause of death: %s. ", strings.ReplaceAll(c, "|", ", "))
		}
		if m := val("manners"); m != "" {
			fmt.Fprintf(&sb, "Manner of death: %s. ", strings.ReplaceAll(m, "|", ", "))
		}
	default:
		if d := val("dob"); d != "" {
			fmt.Fprintf(&sb, "%s was born on %s", name, dateOnly(d))
			if p := val("placeOfBirth"); p != "" {
				fmt.Fprintf(&sb, " in %s", p)
			}
			sb.WriteString(". ")
		}
		if e := val("schools"); e != "" {
			fmt.Fprintf(&sb, "Education: attended %s. ", strings.ReplaceAll(e, "|", ", "))
		}
		if sp := val("spouses"); sp != "" {
			fmt.Fprintf(&sb, "Married to %s. ", strings.ReplaceAll(sp, "|", ", "))
		}
		if o := val("occupations"); o != "" {
			fmt.Fprintf(&sb, "Career: %s. ", strings.ReplaceAll(o, "|", ", "))
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return model.Failed(entry(""), "wikidata: no statements for "+string(w.def.Kind)), nil
	}

	entityURL := val("person")
	return model.Succeeded(entry(entityURL), &model.RawEvidence{
		Text:        text,
		Publication: "Wikidata",
		URL:         entityURL,
		ContentType: "structured",
	}), nil
}

func dateOnly(v string) string {
	if i := strings.IndexByte(v, 'T'); i > 0 {
		return v[:i]
	}
	return v
}

// sparql builds the entity query. A known QID is bound directly; otherwise
// the English label is matched against humans with a date of death.
func (w *Wikidata) sparql(s model.Subject) string {
	var subject string
	if qidRe.MatchString(s.WikidataID) {
		subject = fmt.Sprintf("BIND(wd:%s AS ?person)", s.WikidataID)
	} else {
		label := strings.ReplaceAll(s.Name, `"`, `\"`)
		subject = fmt.Sprintf(`?person rdfs:label "%s"@en; wdt:P31 wd:Q5; wdt:P570 []`, label)
	}
	return `SELECT ?person ?personLabel ?dob ?dod ?placeOfBirthLabel ?placeOfDeathLabel
  (GROUP_CONCAT(DISTINCT ?causeLabel; separator="|") AS ?causes)
  (GROUP_CONCAT(DISTINCT ?mannerLabel; separator="|") AS ?manners)
  (GROUP_CONCAT(DISTINCT ?schoolLabel; separator="|") AS ?schools)
  (GROUP_CONCAT(DISTINCT ?spouseLabel; separator="|") AS ?spouses)
  (GROUP_CONCAT(DISTINCT ?occupationLabel; separator="|") AS ?occupations)
  (SAMPLE(?placeOfBirthLabel) AS ?placeOfBirth)
  (SAMPLE(?placeOfDeathLabel) AS ?placeOfDeath)
WHERE {
  ` + subject + `
  OPTIONAL { ?person wdt:P569 ?dob. }
  OPTIONAL { ?person wdt:P570 ?dod. }
  OPTIONAL { ?person wdt:P19 ?pob. ?pob rdfs:label ?placeOfBirthLabel FILTER(LANG(?placeOfBirthLabel) = "en") }
  OPTIONAL { ?person wdt:P20 ?pod. ?pod rdfs:label ?placeOfDeathLabel FILTER(LANG(?placeOfDeathLabel) = "en") }
  OPTIONAL { ?person wdt:P509 ?cause. ?cause rdfs:label ?causeLabel FILTER(LANG(?causeLabel) = "en") }
  OPTIONAL { ?person wdt:P1196 ?manner. ?manner rdfs:label ?mannerLabel FILTER(LANG(?mannerLabel) = "en") }
  OPTIONAL { ?person wdt:P69 ?school. ?school rdfs:label ?schoolLabel FILTER(LANG(?schoolLabel) = "en") }
  OPTIONAL { ?person wdt:P26 ?spouse. ?spouse rdfs:label ?spouseLabel FILTER(LANG(?spouseLabel) = "en") }
  OPTIONAL { ?person wdt:P106 ?occupation. ?occupation rdfs:label ?occupationLabel FILTER(LANG(?occupationLabel) = "en") }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}
GROUP BY ?person ?personLabel ?dob ?dod ?placeOfBirthLabel ?placeOfDeathLabel
LIMIT 1`
}
