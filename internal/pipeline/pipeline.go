// Package pipeline defines the two enrichment pipelines (cause of death and
// biography): their relevance keywords, search queries, synthesis prompt and
// the parser that turns model output into a structured result.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/source"
)

// Definition describes one pipeline.
type Definition struct {
	Kind     model.Kind
	Required []string
	Bonus    []string
	// Topic is appended to the subject name in search queries.
	Topic string
	// Question is the natural-language question put to answer engines.
	Question     func(s model.Subject) string
	SystemPrompt string
	parse        func(text string) (*model.StructuredResult, error)
}

// Scorer returns the keyword scorer for this pipeline.
func (d Definition) Scorer() source.KeywordScorer {
	return source.KeywordScorer{Required: d.Required, Bonus: d.Bonus}
}

// SearchQuery builds the web search query for s.
func (d Definition) SearchQuery(s model.Subject) string {
	parts := []string{strings.TrimSpace(s.Name)}
	if d.Topic != "" {
		parts = append(parts, d.Topic)
	}
	if d.Kind == model.KindCauseOfDeath {
		if y := s.DeathYear(); y > 0 {
			parts = append(parts, fmt.Sprint(y))
		}
	}
	return strings.Join(parts, " ")
}

// UserPrompt renders the synthesis request for s over the gathered evidence.
func (d Definition) UserPrompt(s model.Subject, evidence []model.RawEvidence) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\n", s.Name)
	if s.Birthday != nil {
		fmt.Fprintf(&sb, "Born: %s\n", s.Birthday.Format("2006-01-02"))
	}
	if s.Deathday != nil {
		fmt.Fprintf(&sb, "Died: %s\n", s.Deathday.Format("2006-01-02"))
	}
	if age := s.AgeAtDeath(); age > 0 {
		fmt.Fprintf(&sb, "Age at death: %d\n", age)
	}
	sb.WriteString("\nSources:\n")
	for i, e := range evidence {
		fmt.Fprintf(&sb, "\n[%d] %s", i+1, e.Source)
		if e.Publication != "" {
			fmt.Fprintf(&sb, " (%s)", e.Publication)
		}
		if e.URL != "" {
			fmt.Fprintf(&sb, " %s", e.URL)
		}
		sb.WriteString("\n")
		sb.WriteString(truncate(e.Text, maxEvidenceChars))
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond with the JSON object only.")
	return sb.String()
}

// Parse converts a model response into a structured result.
func (d Definition) Parse(text string) (*model.StructuredResult, error) {
	if d.parse == nil {
		return nil, eris.Errorf("pipeline: no parser for %s", d.Kind)
	}
	return d.parse(text)
}

// maxEvidenceChars bounds each source's text in the synthesis prompt.
const maxEvidenceChars = 6000

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + " [...]"
}

var definitions = map[model.Kind]Definition{
	model.KindCauseOfDeath: CauseOfDeath(),
	model.KindBiography:    Biography(),
}

// Get returns the definition for kind.
func Get(kind model.Kind) (Definition, error) {
	d, ok := definitions[kind]
	if !ok {
		return Definition{}, eris.Errorf("pipeline: unknown kind %q", kind)
	}
	return d, nil
}

// Kinds lists the known pipeline kinds.
func Kinds() []model.Kind {
	return []model.Kind{model.KindCauseOfDeath, model.KindBiography}
}

// CleanJSON strips markdown fences and surrounding prose from a model
// response, leaving the outermost JSON object.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func decode(text string, v any) error {
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return eris.New("pipeline: empty model response")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return eris.Wrap(err, "pipeline: decode model response")
	}
	return nil
}
