// Package source defines the Source abstraction: a rate-limited, cached,
// timeout-bounded lookup against one external provider. Concrete providers
// implement Performer and are wrapped by Base, which owns the shared
// lookup algorithm.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/internal/store"
)

const (
	// DefaultTimeout is the deadline for high-priority sources.
	DefaultTimeout = 30 * time.Second
	// DefaultLowPriorityTimeout is the shortened deadline for low-priority sources.
	DefaultLowPriorityTimeout = 10 * time.Second

	msgNoRelevantContent = "no relevant content"
)

// Source is one external provider as seen by the orchestrator.
type Source interface {
	Descriptor() model.SourceDescriptor
	// IsAvailable reports whether required configuration (e.g. an API key) is present.
	IsAvailable() bool
	// Lookup never returns an error for ordinary failures; those come back as
	// Success=false. Only *resilience.BlockedError and *resilience.TimeoutError
	// are returned as errors.
	Lookup(ctx context.Context, subject model.Subject) (*model.LookupResult, error)
}

// Performer is the provider-specific half of a Source.
type Performer interface {
	// Query is the search query issued for subject. It doubles as the cache key.
	Query(subject model.Subject) string
	// PerformLookup calls the provider. Ordinary failures may be returned
	// either as an error or as an unsuccessful result.
	PerformLookup(ctx context.Context, subject model.Subject) (*model.LookupResult, error)
	// Score rates how relevant text is, in [0,1].
	Score(text string) float64
}

// Availability is implemented by performers that need configuration.
type Availability interface {
	IsAvailable() bool
}

// Options are per-instance source controls fixed at construction.
type Options struct {
	// NoCache skips cache reads. Outcomes are still written back.
	NoCache bool
	// Timeout overrides the deadline. Zero picks the default for the priority.
	Timeout time.Duration
	// LowPriority selects the shortened deadline and tags timeouts as low priority.
	LowPriority bool
}

// Base implements the Source template method around a Performer.
type Base struct {
	desc    model.SourceDescriptor
	perf    Performer
	cache   store.Cache
	opts    Options
	limiter *rate.Limiter
	nowFunc func() time.Time
}

// NewBase wraps perf. cache may be nil, which disables caching.
func NewBase(desc model.SourceDescriptor, perf Performer, cache store.Cache, opts Options) *Base {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
		if opts.LowPriority {
			opts.Timeout = DefaultLowPriorityTimeout
		}
	}
	limit := rate.Inf
	if desc.MinDelay > 0 {
		limit = rate.Every(desc.MinDelay)
	}
	return &Base{
		desc:    desc,
		perf:    perf,
		cache:   cache,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		nowFunc: time.Now,
	}
}

// Descriptor implements Source.
func (b *Base) Descriptor() model.SourceDescriptor { return b.desc }

// IsAvailable implements Source.
func (b *Base) IsAvailable() bool {
	if a, ok := b.perf.(Availability); ok {
		return a.IsAvailable()
	}
	return true
}

// Performer returns the wrapped performer.
func (b *Base) Performer() Performer { return b.perf }

// Lookup runs the cache-then-provider algorithm for subject.
func (b *Base) Lookup(ctx context.Context, subject model.Subject) (*model.LookupResult, error) {
	query := b.perf.Query(subject)
	hash := store.QueryHash(b.desc.Type, query)
	log := zap.L().With(
		zap.String("source", string(b.desc.Type)),
		zap.Int64("subject_id", subject.ID),
	)

	if !b.opts.NoCache && b.cache != nil {
		rec, err := b.cache.GetCached(ctx, b.desc.Type, hash)
		if err != nil {
			log.Warn("source: cache read failed", zap.Error(err))
		} else if rec != nil {
			if res, ok := b.replay(rec, query); ok {
				log.Debug("source: cache hit", zap.Bool("success", res.Success))
				return res, nil
			}
		}
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return b.finish(model.Failed(b.entry(query), "rate limit wait: "+err.Error())), nil
	}

	res, err := b.perform(ctx, subject, query)
	if err != nil {
		return nil, err
	}

	b.store(ctx, query, hash, res, log)
	return res, nil
}

// perform calls the performer under the source deadline and normalizes
// its outcome. Only block and timeout errors escape.
func (b *Base) perform(ctx context.Context, subject model.Subject, query string) (*model.LookupResult, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	start := b.nowFunc()
	res, err := b.perf.PerformLookup(lookupCtx, subject)
	latency := b.nowFunc().Sub(start).Milliseconds()

	if err != nil {
		if _, ok := resilience.AsBlocked(err); ok {
			return nil, err
		}
		if _, ok := resilience.AsTimeout(err); ok {
			return nil, err
		}
		if errors.Is(lookupCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &resilience.TimeoutError{
				Source:   string(b.desc.Type),
				Priority: b.priority(),
				Deadline: b.opts.Timeout,
				Err:      err,
			}
		}
		res = model.Failed(model.SourceEntry{}, err.Error())
	}
	if res == nil {
		res = model.Failed(model.SourceEntry{}, "empty result")
	}

	res.Entry = b.fillEntry(res.Entry, query)
	res.Entry.LatencyMs = latency

	if res.Success {
		switch {
		case res.Data == nil:
			res = b.fail(res, "no data")
		default:
			if res.Entry.Confidence <= 0 {
				res.Entry.Confidence = b.perf.Score(res.Data.Text)
			}
			if res.Entry.Confidence <= 0 {
				res = b.fail(res, msgNoRelevantContent)
			} else if res.Entry.Confidence > 1 {
				res.Entry.Confidence = 1
			}
		}
	} else {
		if res.Error == "" {
			res.Error = res.Entry.Error
		}
		if res.Entry.Error == "" {
			res.Entry.Error = res.Error
		}
	}
	return b.finish(res), nil
}

func (b *Base) fail(res *model.LookupResult, msg string) *model.LookupResult {
	entry := res.Entry
	entry.Confidence = 0
	return model.Failed(entry, msg)
}

// finish applies invariants shared by fresh and replayed results.
func (b *Base) finish(res *model.LookupResult) *model.LookupResult {
	if b.desc.IsFree {
		res.Entry.CostUSD = 0
	}
	if res.Success && res.Data != nil && res.Data.Source == "" {
		res.Data.Source = b.desc.Type
	}
	return res
}

func (b *Base) priority() resilience.Priority {
	if b.opts.LowPriority {
		return resilience.PriorityLow
	}
	return resilience.PriorityHigh
}

func (b *Base) entry(query string) model.SourceEntry {
	return b.fillEntry(model.SourceEntry{}, query)
}

func (b *Base) fillEntry(e model.SourceEntry, query string) model.SourceEntry {
	e.Type = b.desc.Type
	e.ReliabilityTier = b.desc.ReliabilityTier
	e.ReliabilityScore = b.desc.ReliabilityScore()
	e.RetrievedAt = b.nowFunc()
	if e.QueryUsed == "" {
		e.QueryUsed = query
	}
	return e
}

// replay rebuilds a result from a cache row. Replays spend nothing.
func (b *Base) replay(rec *model.CacheRecord, query string) (*model.LookupResult, bool) {
	var res model.LookupResult
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &res); err != nil {
			zap.L().Warn("source: undecodable cache payload",
				zap.String("source", string(b.desc.Type)),
				zap.String("query_hash", rec.QueryHash),
				zap.Error(err),
			)
			return nil, false
		}
	}
	if rec.ResponseStatus == model.CacheStatusError {
		res.Success = false
		res.Data = nil
		if res.Error == "" {
			res.Error = rec.ErrorMessage
		}
		res.Entry.Error = res.Error
	}
	if res.Success && res.Data == nil {
		return nil, false
	}
	res.Entry = b.fillEntry(res.Entry, query)
	res.Entry.Cached = true
	res.Entry.CostUSD = 0
	res.Entry.LatencyMs = 0
	return b.finish(&res), true
}

func (b *Base) store(ctx context.Context, query, hash string, res *model.LookupResult, log *zap.Logger) {
	if b.cache == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		log.Warn("source: encode cache payload", zap.Error(err))
		return
	}
	rec := &model.CacheRecord{
		SourceType:     b.desc.Type,
		QueryHash:      hash,
		Query:          query,
		ResponseStatus: model.CacheStatusSuccess,
		Payload:        payload,
		CostUSD:        res.Entry.CostUSD,
		QueriedAt:      res.Entry.RetrievedAt,
	}
	if !res.Success {
		rec.ResponseStatus = model.CacheStatusError
		rec.ErrorMessage = res.Error
	}
	if err := b.cache.PutCached(ctx, rec); err != nil {
		log.Warn("source: cache write failed", zap.Error(err))
	}
}
