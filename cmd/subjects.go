package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/orchestrator"
)

// subjectRow is one line of a subjects CSV. Dates are plain YYYY-MM-DD.
type subjectRow struct {
	ID             int64  `csv:"id"`
	Name           string `csv:"name"`
	Birthday       string `csv:"birthday,omitempty"`
	Deathday       string `csv:"deathday,omitempty"`
	WikidataID     string `csv:"wikidata_id,omitempty"`
	WikipediaTitle string `csv:"wikipedia_title,omitempty"`
	IMDbID         string `csv:"imdb_id,omitempty"`
}

// loadSubjects reads subjects from a CSV with a header row. Rows without a
// name are skipped; duplicate IDs are an error since IDs key the checkpoint.
func loadSubjects(path string) ([]model.Subject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read subjects csv")
	}

	var rows []subjectRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrap(err, "parse subjects csv")
	}

	seen := make(map[int64]bool, len(rows))
	subjects := make([]model.Subject, 0, len(rows))
	for i, r := range rows {
		line := i + 2
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		if seen[r.ID] {
			return nil, eris.Errorf("subjects csv line %d: duplicate id %d", line, r.ID)
		}
		seen[r.ID] = true

		s := model.Subject{
			ID:             r.ID,
			Name:           name,
			WikidataID:     strings.TrimSpace(r.WikidataID),
			WikipediaTitle: strings.TrimSpace(r.WikipediaTitle),
			IMDbID:         strings.TrimSpace(r.IMDbID),
		}
		if s.Birthday, err = parseDate("birthday", strings.TrimSpace(r.Birthday)); err != nil {
			return nil, eris.Wrapf(err, "subjects csv line %d", line)
		}
		if s.Deathday, err = parseDate("deathday", strings.TrimSpace(r.Deathday)); err != nil {
			return nil, eris.Wrapf(err, "subjects csv line %d", line)
		}
		subjects = append(subjects, s)
	}
	return subjects, nil
}

// resultRow is one line of the batch results export.
type resultRow struct {
	ID         int64   `csv:"id"`
	Name       string  `csv:"name"`
	Kind       string  `csv:"kind"`
	Succeeded  bool    `csv:"succeeded"`
	Sources    int     `csv:"sources"`
	Evidence   int     `csv:"evidence"`
	Review     int     `csv:"review"`
	StopReason string  `csv:"stop_reason"`
	CostUSD    float64 `csv:"cost_usd"`
	Summary    string  `csv:"summary,omitempty"`
	Error      string  `csv:"error,omitempty"`
}

func newResultRow(res *model.EnrichmentResult) resultRow {
	row := resultRow{
		ID:         res.Subject.ID,
		Name:       res.Subject.Name,
		Kind:       string(res.Kind),
		Succeeded:  orchestrator.Succeeded(res),
		Sources:    len(res.Sources),
		Evidence:   len(res.RawEvidence),
		Review:     len(res.Review),
		StopReason: string(res.Stats.StopReason),
		CostUSD:    res.Stats.CostUSD,
		Error:      res.SynthesisError,
	}
	if s := res.Synthesized; s != nil {
		switch {
		case s.CauseOfDeath != nil:
			row.Summary = s.CauseOfDeath.Cause
		case s.Biography != nil:
			row.Summary = truncateRunes(s.Biography.Narrative, 200)
		}
	}
	return row
}

// writeResultsCSV exports one row per result.
func writeResultsCSV(path string, results []*model.EnrichmentResult) error {
	rows := make([]resultRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, newResultRow(res))
	}
	data, err := csvutil.Marshal(rows)
	if err != nil {
		return eris.Wrap(err, "encode results csv")
	}
	return eris.Wrap(os.WriteFile(path, data, 0o644), "write results csv")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// checkpointPath derives a default checkpoint file from the input CSV name
// and pipeline kind.
func checkpointPath(dir, csvPath string, kind model.Kind) string {
	base := strings.TrimSuffix(filepath.Base(csvPath), filepath.Ext(csvPath))
	return filepath.Join(dir, base+"-"+string(kind)+".json")
}
