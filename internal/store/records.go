package store

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
)

// enrichmentRow is the column form of a saved EnrichmentResult.
type enrichmentRow struct {
	result        []byte
	synthesized   []byte
	evidenceCount int
	costUSD       float64
}

func newEnrichmentRow(res *model.EnrichmentResult) (*enrichmentRow, error) {
	if res == nil {
		return nil, eris.New("store: nil enrichment result")
	}
	if res.Kind == "" {
		return nil, eris.New("store: enrichment result missing kind")
	}
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal enrichment")
	}
	row := &enrichmentRow{
		result:        resultJSON,
		evidenceCount: len(res.RawEvidence),
		costUSD:       res.Stats.CostUSD,
	}
	if res.Synthesized != nil {
		row.synthesized, err = json.Marshal(res.Synthesized)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal synthesized")
		}
	}
	return row, nil
}

// decodeEnrichment rebuilds a result, preferring the synthesized column over
// whatever the result JSON carried when it was first saved.
func decodeEnrichment(resultJSON, synthesizedJSON []byte) (*model.EnrichmentResult, error) {
	var res model.EnrichmentResult
	if err := json.Unmarshal(resultJSON, &res); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal enrichment")
	}
	if len(synthesizedJSON) > 0 {
		var sr model.StructuredResult
		if err := json.Unmarshal(synthesizedJSON, &sr); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal synthesized")
		}
		res.Synthesized = &sr
		res.SynthesisError = ""
	}
	return &res, nil
}

func prepareReview(item *model.ReviewItem) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.At.IsZero() {
		item.At = time.Now().UTC()
	}
}

func prepareFailure(rec *model.FailureRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = model.FailurePending
	}
	if rec.NextRetryAt.IsZero() {
		rec.NextRetryAt = now
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
}

// latestPerKey keeps the last record for each (source, hash) so a bulk load
// never touches the same row twice in one statement.
func latestPerKey(recs []model.CacheRecord) []model.CacheRecord {
	type key struct {
		source model.SourceType
		hash   string
	}
	idx := make(map[key]int, len(recs))
	out := make([]model.CacheRecord, 0, len(recs))
	for _, r := range recs {
		k := key{r.SourceType, r.QueryHash}
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

func enrichmentKey(subjectID int64, kind model.Kind) string {
	return strconv.FormatInt(subjectID, 10) + "/" + string(kind)
}
