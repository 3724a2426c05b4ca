package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
)

const causeOfDeathPrompt = `You are a careful researcher compiling death records for public figures.
You receive excerpts from several sources about one person. Determine how they died.

Rules:
- Use only the provided sources. Never guess.
- Prefer official statements, coroner reports and major publishers over user-generated pages.
- If sources disagree, say so in "details" and lower "confidence".
- If no source states a cause, set "cause" to "unknown".

Return a single JSON object:
{"cause": "<short medical or external cause>", "manner": "natural|accident|suicide|homicide|undetermined", "details": "<one or two sentences>", "location": "<where they died, if stated>", "confidence": "high|medium|low", "sources": ["<url>", ...]}`

// CauseOfDeath returns the cause-of-death pipeline.
func CauseOfDeath() Definition {
	return Definition{
		Kind: model.KindCauseOfDeath,
		Required: []string{
			"died", "death", "cause", "passed away", "killed", "suicide",
			"cancer", "heart attack", "overdose", "accident", "complications",
			"illness", "disease",
		},
		Bonus: []string{
			"hospital", "age", "diagnosed", "autopsy", "coroner", "family",
			"statement", "funeral", "announced", "battle",
		},
		Topic: "cause of death",
		Question: func(s model.Subject) string {
			q := fmt.Sprintf("How did %s die? What was the cause of death", s.Name)
			if y := s.DeathYear(); y > 0 {
				q += fmt.Sprintf(" in %d", y)
			}
			return q + "? Cite sources."
		},
		SystemPrompt: causeOfDeathPrompt,
		parse:        parseCauseOfDeath,
	}
}

var validManners = map[string]bool{
	"natural": true, "accident": true, "suicide": true, "homicide": true, "undetermined": true,
}

func parseCauseOfDeath(text string) (*model.StructuredResult, error) {
	var cod model.CauseOfDeath
	if err := decode(text, &cod); err != nil {
		return nil, err
	}
	cod.Cause = strings.TrimSpace(cod.Cause)
	if cod.Cause == "" {
		return nil, eris.New("pipeline: cause of death missing \"cause\"")
	}
	cod.Manner = strings.ToLower(strings.TrimSpace(cod.Manner))
	if cod.Manner != "" && !validManners[cod.Manner] {
		cod.Manner = "undetermined"
	}
	cod.Confidence = strings.ToLower(strings.TrimSpace(cod.Confidence))
	return &model.StructuredResult{Kind: model.KindCauseOfDeath, CauseOfDeath: &cod}, nil
}
