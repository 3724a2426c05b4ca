//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/orchestrator"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/internal/store"
)

// stubSource succeeds for every subject unless failures names it.
type stubSource struct {
	typ      model.SourceType
	failures map[int64]string
	cached   bool
	calls    []int64
}

func (s *stubSource) Descriptor() model.SourceDescriptor {
	return model.SourceDescriptor{Name: string(s.typ), Type: s.typ, IsFree: true, ReliabilityTier: model.TierStructuredData}
}

func (s *stubSource) IsAvailable() bool { return true }

func (s *stubSource) Lookup(_ context.Context, subject model.Subject) (*model.LookupResult, error) {
	s.calls = append(s.calls, subject.ID)
	entry := model.SourceEntry{
		Type:             s.typ,
		Confidence:       0.9,
		ReliabilityTier:  model.TierStructuredData,
		ReliabilityScore: model.TierStructuredData.Score(),
		Cached:           s.cached,
	}
	if msg, ok := s.failures[subject.ID]; ok {
		return model.Failed(entry, msg), nil
	}
	return model.Succeeded(entry, &model.RawEvidence{Source: s.typ, Text: subject.Name + " died of natural causes."}), nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "obit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func registryOf(sources ...source.Source) *source.Registry {
	r := source.NewRegistry()
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// newTestOrchestrator runs a single wikidata source without synthesis.
func newTestOrchestrator(t *testing.T, src *stubSource) *orchestrator.Orchestrator {
	t.Helper()
	plan, err := orchestrator.ParsePlan([]byte(`
plan:
  phases:
    - name: only
      sources: [wikidata]
`))
	require.NoError(t, err)
	return orchestrator.New(registryOf(src), plan, nil, orchestrator.Settings{
		Kind:                model.KindCauseOfDeath,
		EarlyStopCount:      1,
		ConfidenceThreshold: 0.5,
	})
}

func subjects(ids ...int64) []model.Subject {
	out := make([]model.Subject, len(ids))
	for i, id := range ids {
		out[i] = model.Subject{ID: id, Name: "Subject " + model.Subject{ID: id}.Key()}
	}
	return out
}
