package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/internal/source"
)

// fakeSource returns a fixed outcome and counts calls.
type fakeSource struct {
	desc       model.SourceDescriptor
	confidence float64
	fail       bool
	err        error
	cost       float64
	calls      int
}

func (f *fakeSource) Descriptor() model.SourceDescriptor { return f.desc }
func (f *fakeSource) IsAvailable() bool                  { return true }

func (f *fakeSource) Lookup(_ context.Context, s model.Subject) (*model.LookupResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	entry := model.SourceEntry{
		Type:             f.desc.Type,
		Confidence:       f.confidence,
		ReliabilityTier:  f.desc.ReliabilityTier,
		ReliabilityScore: f.desc.ReliabilityScore(),
		CostUSD:          f.cost,
	}
	if f.fail {
		return model.Failed(entry, "nothing found"), nil
	}
	return model.Succeeded(entry, &model.RawEvidence{
		Source: f.desc.Type,
		Text:   s.Name + " evidence from " + string(f.desc.Type),
	}), nil
}

func newFake(t model.SourceType, tier model.ReliabilityTier, confidence float64) *fakeSource {
	return &fakeSource{
		desc:       model.SourceDescriptor{Name: string(t), Type: t, IsFree: true, ReliabilityTier: tier},
		confidence: confidence,
	}
}

type mockSynth struct{ mock.Mock }

func (m *mockSynth) Synthesize(ctx context.Context, s model.Subject, ev []model.RawEvidence) (*model.StructuredResult, float64, error) {
	args := m.Called(ctx, s, ev)
	res, _ := args.Get(0).(*model.StructuredResult)
	return res, args.Get(1).(float64), args.Error(2)
}

func registryOf(sources ...source.Source) *source.Registry {
	r := source.NewRegistry()
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

func mustPlan(t *testing.T, yml string) *Plan {
	t.Helper()
	p, err := ParsePlan([]byte(yml))
	require.NoError(t, err)
	return p
}

const threeSourcePlan = `
plan:
  phases:
    - name: free
      sources: [wikidata, wikipedia, legacy]
  families:
    wikimedia: [wikidata, wikipedia]
`

var actorA = model.Subject{ID: 1, Name: "Actor A"}

func TestEnrich_ActorA(t *testing.T) {
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.6)
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.9)
	paid := newFake(model.SourceJinaSearch, model.TierSearchAggregator, 0.9)
	paid.desc.IsFree = false
	paid.cost = 0.01

	plan := mustPlan(t, `
plan:
  phases:
    - name: free
      sources: [wikidata, legacy]
    - name: paid
      sources: [jina_search]
`)
	o := New(registryOf(wikidata, legacy, paid), plan, nil, Settings{
		Kind:                model.KindCauseOfDeath,
		EarlyStopCount:      1,
		ConfidenceThreshold: 0.5,
		MaxCostPerSubject:   0.5,
	})

	res, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Len(t, res.Sources, 1)
	assert.Len(t, res.RawEvidence, 1)
	assert.Zero(t, res.Stats.CostUSD)
	assert.Equal(t, model.StopEarly, res.Stats.StopReason)
	assert.Equal(t, 0, legacy.calls)
	assert.Equal(t, 0, paid.calls)
}

func TestEnrich_EarlyStopCountsFamilies(t *testing.T) {
	t.Run("two families stop the third source", func(t *testing.T) {
		wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.8)
		legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.8)
		wikipedia := newFake(model.SourceWikipedia, model.TierReference, 0.8)
		plan := mustPlan(t, `
plan:
  phases:
    - name: free
      sources: [wikidata, legacy, wikipedia]
  families:
    wikimedia: [wikidata, wikipedia]
`)
		o := New(registryOf(wikidata, legacy, wikipedia), plan, nil, Settings{EarlyStopCount: 2, ConfidenceThreshold: 0.5})

		res, err := o.Enrich(context.Background(), actorA)
		require.NoError(t, err)
		assert.Equal(t, 0, wikipedia.calls)
		assert.Len(t, res.Sources, 2)
		assert.Equal(t, model.StopEarly, res.Stats.StopReason)
	})

	t.Run("same family does not stop", func(t *testing.T) {
		wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.8)
		wikipedia := newFake(model.SourceWikipedia, model.TierReference, 0.8)
		legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.8)
		o := New(registryOf(wikidata, wikipedia, legacy), mustPlan(t, threeSourcePlan), nil,
			Settings{EarlyStopCount: 2, ConfidenceThreshold: 0.5})

		res, err := o.Enrich(context.Background(), actorA)
		require.NoError(t, err)
		assert.Equal(t, 1, legacy.calls)
		assert.Len(t, res.Sources, 3)
		assert.Equal(t, model.StopExhausted, res.Stats.StopReason)
	})
}

func TestEnrich_DualThreshold(t *testing.T) {
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.9)
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.9)
	plan := mustPlan(t, `
plan:
  phases:
    - name: free
      sources: [legacy, wikidata]
`)

	// Reliability 0.6 fails a 0.8 bar, so legacy does not count.
	o := New(registryOf(legacy, wikidata), plan, nil, Settings{
		EarlyStopCount:       1,
		ConfidenceThreshold:  0.5,
		RequireReliability:   true,
		ReliabilityThreshold: 0.8,
	})
	res, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Equal(t, 1, wikidata.calls)
	assert.Len(t, res.RawEvidence, 2)

	// Without the reliability requirement it does.
	legacy.calls, wikidata.calls = 0, 0
	o = New(registryOf(legacy, wikidata), plan, nil, Settings{EarlyStopCount: 1, ConfidenceThreshold: 0.5})
	_, err = o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Equal(t, 0, wikidata.calls)
}

func TestEnrich_LowConfidenceDoesNotCount(t *testing.T) {
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.3)
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.3)
	o := New(registryOf(wikidata, legacy), mustPlan(t, threeSourcePlan), nil,
		Settings{EarlyStopCount: 0, ConfidenceThreshold: 0.5})

	res, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Equal(t, 1, legacy.calls)
	assert.Len(t, res.RawEvidence, 2)
}

func TestEnrich_EarlyStopFloorIsOne(t *testing.T) {
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.9)
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.9)
	o := New(registryOf(wikidata, legacy), mustPlan(t, threeSourcePlan), nil,
		Settings{EarlyStopCount: 0, ConfidenceThreshold: 0.5})

	_, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Equal(t, 0, legacy.calls)
}

func TestEnrich_AlwaysRun(t *testing.T) {
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.9)
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.9)
	books := newFake(model.SourceOpenLibrary, model.TierReference, 0)
	books.fail = true
	plan := mustPlan(t, `
plan:
  phases:
    - name: all
      sources: [wikidata, legacy, open_library]
  always_run: [open_library]
`)
	o := New(registryOf(wikidata, legacy, books), plan, nil, Settings{EarlyStopCount: 1, ConfidenceThreshold: 0.5})

	res, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Equal(t, 0, legacy.calls)
	assert.Equal(t, 1, books.calls)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "nothing found", res.Sources[1].Error)
	assert.Equal(t, model.StopEarly, res.Stats.StopReason)
}

func TestEnrich_Budget(t *testing.T) {
	perplexity := newFake(model.SourcePerplexity, model.TierSearchAggregator, 0.1)
	perplexity.cost = 0.30
	jina := newFake(model.SourceJinaSearch, model.TierSearchAggregator, 0.1)
	jina.cost = 0.30
	books := newFake(model.SourceOpenLibrary, model.TierReference, 0.1)
	plan := mustPlan(t, `
plan:
  phases:
    - name: paid
      sources: [perplexity, jina_search, open_library]
  always_run: [open_library]
`)
	o := New(registryOf(perplexity, jina, books), plan, nil, Settings{
		EarlyStopCount:      3,
		ConfidenceThreshold: 0.5,
		MaxCostPerSubject:   0.50,
	})

	res, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	assert.Equal(t, model.StopBudget, res.Stats.StopReason)
	assert.Equal(t, 1, jina.calls)
	// Budget exhaustion skips always-run sources too.
	assert.Equal(t, 0, books.calls)
	assert.InDelta(t, 0.60, res.Stats.CostUSD, 1e-9)
	assert.Len(t, res.Sources, 2)
}

func TestEnrich_BlockAndTimeoutGoToReview(t *testing.T) {
	news := newFake(model.SourceNewsFeed, model.TierMajorPublisher, 0)
	news.err = &resilience.BlockedError{StatusCode: http.StatusForbidden, URL: "https://news.example/a", Reason: "status"}
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0)
	legacy.err = &resilience.TimeoutError{Source: "legacy", Priority: resilience.PriorityLow, Deadline: 10 * time.Second}
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.9)
	plan := mustPlan(t, `
plan:
  phases:
    - name: all
      sources: [news_feed, legacy, wikidata]
`)
	o := New(registryOf(news, legacy, wikidata), plan, nil, Settings{EarlyStopCount: 3, ConfidenceThreshold: 0.5})

	res, err := o.Enrich(context.Background(), actorA)
	require.NoError(t, err)
	require.Len(t, res.Sources, 3)
	assert.Equal(t, 1, wikidata.calls)
	assert.Equal(t, 3, res.Stats.Attempted)
	assert.Equal(t, 1, res.Stats.Succeeded)

	require.Len(t, res.Review, 2)
	assert.Equal(t, model.ReviewBlocked, res.Review[0].Kind)
	assert.Equal(t, http.StatusForbidden, res.Review[0].StatusCode)
	assert.Equal(t, "https://news.example/a", res.Review[0].URL)
	assert.Equal(t, int64(1), res.Review[0].SubjectID)
	assert.NotEmpty(t, res.Review[0].ID)
	assert.Equal(t, model.ReviewTimeout, res.Review[1].Kind)
	assert.Equal(t, "low", res.Review[1].Priority)

	assert.Equal(t, model.SourceNewsFeed, res.Sources[0].Type)
	assert.Contains(t, res.Sources[0].Error, "blocked")
	assert.Equal(t, 0.95, res.Sources[0].ReliabilityScore)
}

func TestEnrich_Synthesis(t *testing.T) {
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.9)
	plan := mustPlan(t, `
plan:
  phases:
    - name: all
      sources: [wikidata]
`)

	t.Run("success folds cost in", func(t *testing.T) {
		ms := &mockSynth{}
		want := &model.StructuredResult{Kind: model.KindCauseOfDeath, CauseOfDeath: &model.CauseOfDeath{Cause: "pneumonia"}}
		ms.On("Synthesize", mock.Anything, actorA, mock.MatchedBy(func(ev []model.RawEvidence) bool {
			return len(ev) == 1 && ev[0].Source == model.SourceWikidata
		})).Return(want, 0.02, nil).Once()

		o := New(registryOf(wikidata), plan, ms, Settings{EarlyStopCount: 1, ConfidenceThreshold: 0.5})
		res, err := o.Enrich(context.Background(), actorA)
		require.NoError(t, err)
		assert.Equal(t, want, res.Synthesized)
		assert.InDelta(t, 0.02, res.Stats.SynthesisCostUSD, 1e-9)
		assert.InDelta(t, 0.02, res.Stats.CostUSD, 1e-9)
		ms.AssertExpectations(t)
	})

	t.Run("failure keeps evidence", func(t *testing.T) {
		ms := &mockSynth{}
		ms.On("Synthesize", mock.Anything, actorA, mock.Anything).Return(nil, 0.01, errors.New("bad json")).Once()

		o := New(registryOf(wikidata), plan, ms, Settings{EarlyStopCount: 1, ConfidenceThreshold: 0.5})
		res, err := o.Enrich(context.Background(), actorA)
		require.NoError(t, err)
		assert.Nil(t, res.Synthesized)
		assert.Equal(t, "bad json", res.SynthesisError)
		assert.Len(t, res.RawEvidence, 1)
		assert.Len(t, res.Sources, 1)
		assert.InDelta(t, 0.01, res.Stats.CostUSD, 1e-9)
	})

	t.Run("no evidence skips synthesis", func(t *testing.T) {
		ms := &mockSynth{}
		failing := newFake(model.SourceWikidata, model.TierStructuredData, 0)
		failing.fail = true

		o := New(registryOf(failing), plan, ms, Settings{EarlyStopCount: 1, ConfidenceThreshold: 0.5})
		res, err := o.Enrich(context.Background(), actorA)
		require.NoError(t, err)
		assert.Nil(t, res.Synthesized)
		assert.Empty(t, res.SynthesisError)
		ms.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestEnrich_CancelledContext(t *testing.T) {
	o := New(registryOf(), DefaultPlan(), nil, Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Enrich(ctx, actorA)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_SkipsUnavailableAndUnplanned(t *testing.T) {
	wikidata := newFake(model.SourceWikidata, model.TierStructuredData, 0.9)
	legacy := newFake(model.SourceLegacy, model.TierUserGenerated, 0.9)
	o := New(registryOf(wikidata, legacy), mustPlan(t, `
plan:
  phases:
    - name: one
      sources: [legacy, perplexity]
`), nil, Settings{})
	assert.Equal(t, []model.SourceType{model.SourceLegacy}, o.Sources())
}

func TestSettingsFromConfig(t *testing.T) {
	s := SettingsFromConfig(model.KindBiography, configFixture())
	assert.Equal(t, model.KindBiography, s.Kind)
	assert.Equal(t, 250*time.Millisecond, s.InterSubjectDelay)
	assert.Equal(t, 3, s.EarlyStopCount)
	assert.Equal(t, 1, Settings{EarlyStopCount: -2}.earlyStopCount())
}
