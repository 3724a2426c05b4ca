package pipeline

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
)

const biographyPrompt = `You are a biographer writing concise, factual profiles of public figures who have died.
You receive excerpts from several sources about one person.

Rules:
- Use only the provided sources. Omit anything they do not support.
- Write in the past tense, in a neutral encyclopedic register.
- "narrative" is two to four paragraphs covering the whole life.
- Leave a section empty rather than padding it.

Return a single JSON object:
{"narrative": "...", "early_life": "...", "education": "...", "family": "...", "career": "...", "legacy": "...", "sources": ["<url>", ...]}`

// Biography returns the biography pipeline.
func Biography() Definition {
	return Definition{
		Kind: model.KindBiography,
		Required: []string{
			"born", "early life", "childhood", "grew up", "raised", "parents",
			"education", "attended", "graduated", "career", "married",
		},
		Bonus: []string{
			"scholarship", "siblings", "brother", "sister", "father", "mother",
			"hometown", "university", "college", "school",
		},
		Topic: "biography early life",
		Question: func(s model.Subject) string {
			return fmt.Sprintf("Give a factual biography of %s: early life, education, family and career. Cite sources.", s.Name)
		},
		SystemPrompt: biographyPrompt,
		parse:        parseBiography,
	}
}

func parseBiography(text string) (*model.StructuredResult, error) {
	var bio model.Biography
	if err := decode(text, &bio); err != nil {
		return nil, err
	}
	bio.Narrative = strings.TrimSpace(bio.Narrative)
	if bio.Narrative == "" {
		return nil, eris.New("pipeline: biography missing \"narrative\"")
	}
	return &model.StructuredResult{Kind: model.KindBiography, Biography: &bio}, nil
}
