// Package orchestrator drives per-subject enrichment across the planned
// sources: priority ordering, family-based early stopping, dual-threshold
// quality gating, the per-subject budget and a single synthesis call.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/obit-cli/internal/config"
	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/internal/source"
	"github.com/sells-group/obit-cli/internal/synthesis"
)

// Settings are the per-run process controls. They never change during a run.
type Settings struct {
	Kind                 model.Kind
	MaxCostPerSubject    float64
	MaxCostPerBatch      float64
	EarlyStopCount       int
	ConfidenceThreshold  float64
	RequireReliability   bool
	ReliabilityThreshold float64
	InterSubjectDelay    time.Duration
}

// SettingsFromConfig builds Settings from the enrich config section.
func SettingsFromConfig(kind model.Kind, cfg config.EnrichConfig) Settings {
	return Settings{
		Kind:                 kind,
		MaxCostPerSubject:    cfg.MaxCostPerSubject,
		MaxCostPerBatch:      cfg.MaxCostPerBatch,
		EarlyStopCount:       cfg.EarlyStopCount,
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		RequireReliability:   cfg.RequireReliability,
		ReliabilityThreshold: cfg.ReliabilityThreshold,
		InterSubjectDelay:    time.Duration(cfg.InterSubjectDelayMs) * time.Millisecond,
	}
}

// earlyStopCount applies the floor of one family.
func (s Settings) earlyStopCount() int {
	if s.EarlyStopCount < 1 {
		return 1
	}
	return s.EarlyStopCount
}

// Orchestrator runs the enrichment algorithm for one pipeline.
type Orchestrator struct {
	sources  []source.Source
	plan     *Plan
	synth    synthesis.Synthesizer
	settings Settings
	nowFunc  func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator over the available sources of reg, in plan
// order. synth may be nil, in which case evidence is gathered but never
// synthesized.
func New(reg *source.Registry, plan *Plan, synth synthesis.Synthesizer, settings Settings) *Orchestrator {
	if plan == nil {
		plan = DefaultPlan()
	}
	sources := reg.Available(plan.Order())
	for _, t := range plan.Order() {
		if s := reg.Get(t); s == nil || !s.IsAvailable() {
			zap.L().Debug("orchestrator: source unavailable", zap.String("source", string(t)))
		}
	}
	return &Orchestrator{
		sources:  sources,
		plan:     plan,
		synth:    synth,
		settings: settings,
		nowFunc:  time.Now,
		sleep:    sleepCtx,
	}
}

// Sources returns the source types in the order they will be tried.
func (o *Orchestrator) Sources() []model.SourceType {
	out := make([]model.SourceType, len(o.sources))
	for i, s := range o.sources {
		out[i] = s.Descriptor().Type
	}
	return out
}

// Enrich runs every planned source for subject until the early-stop or
// budget condition, then synthesizes once over the gathered evidence.
func (o *Orchestrator) Enrich(ctx context.Context, subject model.Subject) (*model.EnrichmentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "orchestrator: enrich")
	}

	start := o.nowFunc()
	log := zap.L().With(
		zap.Int64("subject_id", subject.ID),
		zap.String("kind", string(o.settings.Kind)),
	)

	res := &model.EnrichmentResult{
		Subject:     subject,
		Kind:        o.settings.Kind,
		Sources:     []model.SourceEntry{},
		RawEvidence: []model.RawEvidence{},
	}
	families := make(map[string]struct{})
	stop := model.StopExhausted

	for _, src := range o.sources {
		desc := src.Descriptor()

		if len(families) >= o.settings.earlyStopCount() && !o.plan.AlwaysRuns(desc.Type) {
			stop = model.StopEarly
			log.Debug("orchestrator: skipping source after early stop", zap.String("source", string(desc.Type)))
			continue
		}

		lr, err := src.Lookup(ctx, subject)
		res.Stats.Attempted++
		switch {
		case err != nil:
			entry, item := o.review(subject, desc, err)
			res.Sources = append(res.Sources, entry)
			if item != nil {
				res.Review = append(res.Review, *item)
			}
			log.Info("orchestrator: source needs review",
				zap.String("source", string(desc.Type)),
				zap.Error(err),
			)
		case lr.Success && lr.Data != nil:
			res.Sources = append(res.Sources, lr.Entry)
			res.RawEvidence = append(res.RawEvidence, *lr.Data)
			res.Stats.Succeeded++
			res.Stats.SourceCostUSD += lr.Entry.CostUSD
			if o.isHighQuality(lr.Entry) {
				families[o.plan.Family(desc.Type)] = struct{}{}
			}
		default:
			res.Sources = append(res.Sources, lr.Entry)
			res.Stats.SourceCostUSD += lr.Entry.CostUSD
			log.Debug("orchestrator: source failed",
				zap.String("source", string(desc.Type)),
				zap.String("error", lr.Error),
			)
		}

		if o.overSubjectBudget(res.Stats.SourceCostUSD) {
			stop = model.StopBudget
			log.Info("orchestrator: subject budget reached",
				zap.Float64("cost_usd", res.Stats.SourceCostUSD),
				zap.Float64("budget_usd", o.settings.MaxCostPerSubject),
			)
			break
		}
	}

	if len(res.RawEvidence) > 0 && o.synth != nil {
		sr, costUSD, err := o.synth.Synthesize(ctx, subject, res.RawEvidence)
		res.Stats.SynthesisCostUSD = costUSD
		if err != nil {
			res.SynthesisError = err.Error()
			log.Warn("orchestrator: synthesis failed", zap.Error(err))
		} else {
			res.Synthesized = sr
		}
	}

	res.Stats.CostUSD = res.Stats.SourceCostUSD + res.Stats.SynthesisCostUSD
	res.Stats.StopReason = stop
	res.Stats.ElapsedMs = o.nowFunc().Sub(start).Milliseconds()

	log.Info("orchestrator: subject enriched",
		zap.Int("attempted", res.Stats.Attempted),
		zap.Int("succeeded", res.Stats.Succeeded),
		zap.Float64("cost_usd", res.Stats.CostUSD),
		zap.String("stop_reason", string(stop)),
	)
	return res, nil
}

// isHighQuality applies the dual threshold: confidence always, reliability
// only when required.
func (o *Orchestrator) isHighQuality(e model.SourceEntry) bool {
	if e.Confidence < o.settings.ConfidenceThreshold {
		return false
	}
	return !o.settings.RequireReliability || e.ReliabilityScore >= o.settings.ReliabilityThreshold
}

// overSubjectBudget reports whether spend has reached the per-subject cap.
// A non-positive cap disables the check.
func (o *Orchestrator) overSubjectBudget(spent float64) bool {
	return o.settings.MaxCostPerSubject > 0 && spent >= o.settings.MaxCostPerSubject
}

// review converts a block or timeout into a failed entry plus a review item.
// Other errors only produce the failed entry.
func (o *Orchestrator) review(subject model.Subject, desc model.SourceDescriptor, err error) (model.SourceEntry, *model.ReviewItem) {
	now := o.nowFunc()
	entry := model.SourceEntry{
		Type:             desc.Type,
		RetrievedAt:      now,
		ReliabilityTier:  desc.ReliabilityTier,
		ReliabilityScore: desc.ReliabilityScore(),
		Error:            err.Error(),
	}
	item := &model.ReviewItem{
		ID:        uuid.NewString(),
		SubjectID: subject.ID,
		Source:    desc.Type,
		Message:   err.Error(),
		At:        now,
	}

	if be, ok := resilience.AsBlocked(err); ok {
		entry.URL = be.URL
		item.Kind = model.ReviewBlocked
		item.StatusCode = be.StatusCode
		item.URL = be.URL
		return entry, item
	}
	if te, ok := resilience.AsTimeout(err); ok {
		item.Kind = model.ReviewTimeout
		item.Priority = string(te.Priority)
		return entry, item
	}
	return entry, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
