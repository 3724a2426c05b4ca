package store

import (
	"context"
	"time"

	"github.com/sells-group/obit-cli/internal/model"
)

// Cache is the permanent (source, query) response store consumed by sources.
// PutCached is an upsert: the newest write for a key wins.
type Cache interface {
	GetCached(ctx context.Context, sourceType model.SourceType, queryHash string) (*model.CacheRecord, error)
	PutCached(ctx context.Context, rec *model.CacheRecord) error
}

// Results persists enrichment outcomes so synthesis can run as a separate pass.
type Results interface {
	SaveEnrichment(ctx context.Context, res *model.EnrichmentResult) error
	GetEnrichment(ctx context.Context, subjectID int64, kind model.Kind) (*model.EnrichmentResult, error)
	ListPendingSynthesis(ctx context.Context, kind model.Kind, limit int) ([]model.PendingSynthesis, error)
	UpdateSynthesis(ctx context.Context, subjectID int64, kind model.Kind, result *model.StructuredResult, costUSD float64) error
}

// Reviews persists blocks and timeouts collected for offline review.
type Reviews interface {
	AddReview(ctx context.Context, item model.ReviewItem) error
	ListReviews(ctx context.Context, limit int) ([]model.ReviewItem, error)
}

// Failures is the ledger driving the retry workflow.
type Failures interface {
	RecordFailure(ctx context.Context, rec model.FailureRecord) error
	DueFailures(ctx context.Context, now time.Time, limit int) ([]model.FailureRecord, error)
	MarkRetried(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	MarkPermanent(ctx context.Context, id string, lastErr string) error
	MarkResolved(ctx context.Context, id string) error
}

// Store is the full persistence interface.
type Store interface {
	Cache
	Results
	Reviews
	Failures

	CacheStats(ctx context.Context) ([]model.CacheStat, error)
	PurgeCachedErrors(ctx context.Context, sourceType model.SourceType) (int64, error)
	ImportCache(ctx context.Context, recs []model.CacheRecord) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}
