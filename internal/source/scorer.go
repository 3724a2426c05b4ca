package source

import "strings"

// KeywordScorer rates text by the distinct required and bonus keywords it
// contains. Text with no required keyword scores zero.
type KeywordScorer struct {
	Required []string
	Bonus    []string
}

// Score returns min(0.5, 0.25×required) + min(0.5, 0.1×bonus), clamped to
// 1.0, or 0 when no required keyword matches.
func (k KeywordScorer) Score(text string) float64 {
	lower := strings.ToLower(text)
	required := countMatches(lower, k.Required)
	if required == 0 {
		return 0
	}
	bonus := countMatches(lower, k.Bonus)
	score := min(0.5, 0.25*float64(required)) + min(0.5, 0.1*float64(bonus))
	return min(1.0, score)
}

func countMatches(lower string, keywords []string) int {
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		if strings.Contains(lower, kw) {
			seen[kw] = struct{}{}
		}
	}
	return len(seen)
}
