// Package report renders an enrichment result as Markdown and HTML.
package report

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/sells-group/obit-cli/internal/model"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

// Markdown renders res as a Markdown document.
func Markdown(res *model.EnrichmentResult) string {
	var sb strings.Builder
	s := res.Subject

	fmt.Fprintf(&sb, "# %s\n\n", s.Name)
	if s.Birthday != nil || s.Deathday != nil {
		fmt.Fprintf(&sb, "%s – %s", formatDate(s.Birthday), formatDate(s.Deathday))
		if age := s.AgeAtDeath(); age > 0 {
			fmt.Fprintf(&sb, " (age %d)", age)
		}
		sb.WriteString("\n\n")
	}

	writeSynthesis(&sb, res)

	sb.WriteString("## Sources\n\n")
	sb.WriteString("| Source | Confidence | Reliability | Cost | Status |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, e := range res.Sources {
		status := "ok"
		if e.Error != "" {
			status = escapeCell(e.Error)
		}
		if e.Cached {
			status += " (cached)"
		}
		name := string(e.Type)
		if e.URL != "" {
			name = fmt.Sprintf("[%s](%s)", e.Type, e.URL)
		}
		fmt.Fprintf(&sb, "| %s | %.2f | %s %.2f | $%.4f | %s |\n",
			name, e.Confidence, e.ReliabilityTier, e.ReliabilityScore, e.CostUSD, status)
	}
	sb.WriteString("\n")

	if len(res.Review) > 0 {
		sb.WriteString("## Needs review\n\n")
		for _, r := range res.Review {
			fmt.Fprintf(&sb, "- **%s** %s", r.Source, r.Kind)
			if r.Priority != "" {
				fmt.Fprintf(&sb, " (%s priority)", r.Priority)
			}
			if r.StatusCode != 0 {
				fmt.Fprintf(&sb, " status %d", r.StatusCode)
			}
			fmt.Fprintf(&sb, ": %s\n", r.Message)
		}
		sb.WriteString("\n")
	}

	st := res.Stats
	sb.WriteString("## Run\n\n")
	fmt.Fprintf(&sb, "- Attempted: %d, succeeded: %d\n", st.Attempted, st.Succeeded)
	fmt.Fprintf(&sb, "- Cost: $%.4f (sources $%.4f, synthesis $%.4f)\n", st.CostUSD, st.SourceCostUSD, st.SynthesisCostUSD)
	fmt.Fprintf(&sb, "- Stop reason: %s\n", st.StopReason)
	fmt.Fprintf(&sb, "- Elapsed: %dms\n", st.ElapsedMs)
	return sb.String()
}

func writeSynthesis(sb *strings.Builder, res *model.EnrichmentResult) {
	switch {
	case res.Synthesized != nil && res.Synthesized.CauseOfDeath != nil:
		c := res.Synthesized.CauseOfDeath
		sb.WriteString("## Cause of death\n\n")
		fmt.Fprintf(sb, "**%s**", c.Cause)
		if c.Manner != "" {
			fmt.Fprintf(sb, " (%s)", c.Manner)
		}
		sb.WriteString("\n\n")
		if c.Details != "" {
			sb.WriteString(c.Details + "\n\n")
		}
		if c.Location != "" {
			fmt.Fprintf(sb, "Location: %s\n\n", c.Location)
		}
		if c.Confidence != "" {
			fmt.Fprintf(sb, "Confidence: %s\n\n", c.Confidence)
		}
		writeCitations(sb, c.Sources)
	case res.Synthesized != nil && res.Synthesized.Biography != nil:
		b := res.Synthesized.Biography
		sb.WriteString("## Biography\n\n")
		sb.WriteString(b.Narrative + "\n\n")
		for _, sec := range []struct{ title, body string }{
			{"Early life", b.EarlyLife},
			{"Education", b.Education},
			{"Family", b.Family},
			{"Career", b.Career},
			{"Legacy", b.Legacy},
		} {
			if sec.body != "" {
				fmt.Fprintf(sb, "### %s\n\n%s\n\n", sec.title, sec.body)
			}
		}
		writeCitations(sb, b.Sources)
	case res.SynthesisError != "":
		fmt.Fprintf(sb, "_Synthesis failed: %s_\n\n", res.SynthesisError)
	default:
		fmt.Fprintf(sb, "_No synthesized result; %d evidence item(s) gathered._\n\n", len(res.RawEvidence))
	}
}

func writeCitations(sb *strings.Builder, urls []string) {
	if len(urls) == 0 {
		return
	}
	sb.WriteString("Sources:\n\n")
	for _, u := range urls {
		fmt.Fprintf(sb, "- <%s>\n", u)
	}
	sb.WriteString("\n")
}

// RenderHTML renders res as a standalone HTML page.
func RenderHTML(res *model.EnrichmentResult) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(res)), &body); err != nil {
		return nil, eris.Wrap(err, "report: render markdown")
	}

	var out bytes.Buffer
	out.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&out, "<title>%s</title>\n", html.EscapeString(res.Subject.Name))
	out.WriteString("</head>\n<body>\n")
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "?"
	}
	return t.Format("2 January 2006")
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
