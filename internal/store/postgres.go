package store

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/db"
	"github.com/sells-group/obit-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgGetCached = `SELECT source_type, query_hash, query, response_status, payload, compressed, error_message, cost_usd, queried_at
		FROM query_cache WHERE source_type = $1 AND query_hash = $2`
	pgPutCached = `INSERT INTO query_cache
		(source_type, query_hash, query, response_status, payload, compressed, error_message, cost_usd, queried_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (source_type, query_hash) DO UPDATE SET
			query = EXCLUDED.query,
			response_status = EXCLUDED.response_status,
			payload = EXCLUDED.payload,
			compressed = EXCLUDED.compressed,
			error_message = EXCLUDED.error_message,
			cost_usd = EXCLUDED.cost_usd,
			queried_at = EXCLUDED.queried_at`
	pgGetEnrichment = `SELECT result, synthesized FROM enrichments WHERE subject_id = $1 AND kind = $2`
	pgAddReview     = `INSERT INTO review_items (id, subject_id, source, kind, priority, status_code, url, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

// preparedStatements lists queries to prepare on each new connection. They
// are the per-source hot path: every lookup reads and writes the cache.
var preparedStatements = map[string]string{
	"get_cached":     pgGetCached,
	"put_cached":     pgPutCached,
	"get_enrichment": pgGetEnrichment,
	"add_review":     pgAddReview,
}

// cacheMerge describes query_cache for bulk imports.
var cacheMerge = db.Merge{
	Table: "query_cache",
	Key:   []string{"source_type", "query_hash"},
	Cols: []string{
		"source_type", "query_hash", "query", "response_status", "payload",
		"compressed", "error_message", "cost_usd", "queried_at",
	},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS query_cache (
	source_type     TEXT NOT NULL,
	query_hash      TEXT NOT NULL,
	query           TEXT NOT NULL,
	response_status TEXT NOT NULL,
	payload         BYTEA,
	compressed      BOOLEAN NOT NULL DEFAULT false,
	error_message   TEXT NOT NULL DEFAULT '',
	cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
	queried_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_type, query_hash)
);

CREATE INDEX IF NOT EXISTS idx_query_cache_status ON query_cache(response_status);

CREATE TABLE IF NOT EXISTS enrichments (
	subject_id         BIGINT NOT NULL,
	kind               TEXT NOT NULL,
	result             JSONB NOT NULL,
	evidence_count     INTEGER NOT NULL DEFAULT 0,
	synthesized        JSONB,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	synthesis_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (subject_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_enrichments_pending ON enrichments(kind) WHERE synthesized IS NULL;

CREATE TABLE IF NOT EXISTS review_items (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	subject_id  BIGINT NOT NULL,
	source      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	priority    TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	url         TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_review_items_created ON review_items(created_at DESC);

CREATE TABLE IF NOT EXISTS lookup_failures (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	subject_id    BIGINT NOT NULL,
	subject       JSONB NOT NULL,
	kind          TEXT NOT NULL,
	source        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	next_retry_at TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (subject_id, kind, source)
);

CREATE INDEX IF NOT EXISTS idx_lookup_failures_due ON lookup_failures(status, next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Query cache ---

func (s *PostgresStore) GetCached(ctx context.Context, sourceType model.SourceType, queryHash string) (*model.CacheRecord, error) {
	var rec model.CacheRecord
	var source, status string
	err := s.pool.QueryRow(ctx, pgGetCached, string(sourceType), queryHash).Scan(
		&source, &rec.QueryHash, &rec.Query, &status, &rec.Payload,
		&rec.Compressed, &rec.ErrorMessage, &rec.CostUSD, &rec.QueriedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cached")
	}
	rec.SourceType = model.SourceType(source)
	rec.ResponseStatus = model.CacheStatus(status)
	rec.Payload, err = DecodePayload(rec.Payload, rec.Compressed)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: decode cached %s/%s", sourceType, queryHash)
	}
	return &rec, nil
}

func (s *PostgresStore) PutCached(ctx context.Context, rec *model.CacheRecord) error {
	payload, compressed, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	queriedAt := rec.QueriedAt
	if queriedAt.IsZero() {
		queriedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, pgPutCached,
		string(rec.SourceType), rec.QueryHash, rec.Query, string(rec.ResponseStatus),
		payload, compressed, rec.ErrorMessage, rec.CostUSD, queriedAt,
	)
	return eris.Wrap(err, "postgres: put cached")
}

func (s *PostgresStore) CacheStats(ctx context.Context) ([]model.CacheStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_type, response_status, COUNT(*) FROM query_cache
		 GROUP BY source_type, response_status ORDER BY source_type, response_status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}
	defer rows.Close()

	var stats []model.CacheStat
	for rows.Next() {
		var source, status string
		var count int64
		if err := rows.Scan(&source, &status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache stat")
		}
		stats = append(stats, model.CacheStat{
			SourceType: model.SourceType(source),
			Status:     model.CacheStatus(status),
			Count:      int(count),
		})
	}
	return stats, eris.Wrap(rows.Err(), "postgres: iterate cache stats")
}

// PurgeCachedErrors deletes cached failures; an empty sourceType purges all sources.
func (s *PostgresStore) PurgeCachedErrors(ctx context.Context, sourceType model.SourceType) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM query_cache WHERE response_status = $1 AND ($2 = '' OR source_type = $2)`,
		string(model.CacheStatusError), string(sourceType),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge cached errors")
	}
	return tag.RowsAffected(), nil
}

// ImportCache bulk-loads records through COPY. Duplicate keys within recs
// collapse to the last occurrence.
func (s *PostgresStore) ImportCache(ctx context.Context, recs []model.CacheRecord) (int64, error) {
	recs = latestPerKey(recs)
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		payload, compressed, err := encodeRecord(rec)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: import record %d", i)
		}
		queriedAt := rec.QueriedAt
		if queriedAt.IsZero() {
			queriedAt = time.Now().UTC()
		}
		rows = append(rows, []any{
			string(rec.SourceType), rec.QueryHash, rec.Query, string(rec.ResponseStatus),
			payload, compressed, rec.ErrorMessage, rec.CostUSD, queriedAt,
		})
	}
	n, err := cacheMerge.Load(ctx, s.pool, rows)
	return n, eris.Wrap(err, "postgres: import cache")
}

// --- Enrichment results ---

func (s *PostgresStore) SaveEnrichment(ctx context.Context, res *model.EnrichmentResult) error {
	row, err := newEnrichmentRow(res)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichments (subject_id, kind, result, evidence_count, synthesized, cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (subject_id, kind) DO UPDATE SET
			result = EXCLUDED.result,
			evidence_count = EXCLUDED.evidence_count,
			synthesized = EXCLUDED.synthesized,
			cost_usd = EXCLUDED.cost_usd,
			updated_at = EXCLUDED.updated_at`,
		res.Subject.ID, string(res.Kind), row.result, row.evidenceCount, row.synthesized, row.costUSD, now, now,
	)
	return eris.Wrapf(err, "postgres: save enrichment %d", res.Subject.ID)
}

func (s *PostgresStore) GetEnrichment(ctx context.Context, subjectID int64, kind model.Kind) (*model.EnrichmentResult, error) {
	var resultJSON, synthesized []byte
	err := s.pool.QueryRow(ctx, pgGetEnrichment, subjectID, string(kind)).Scan(&resultJSON, &synthesized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get enrichment %d", subjectID)
	}
	return decodeEnrichment(resultJSON, synthesized)
}

func (s *PostgresStore) ListPendingSynthesis(ctx context.Context, kind model.Kind, limit int) ([]model.PendingSynthesis, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT result FROM enrichments
		 WHERE kind = $1 AND synthesized IS NULL AND evidence_count > 0
		 ORDER BY subject_id LIMIT $2`,
		string(kind), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending synthesis")
	}
	defer rows.Close()

	var out []model.PendingSynthesis
	for rows.Next() {
		var resultJSON []byte
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending synthesis")
		}
		res, err := decodeEnrichment(resultJSON, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PendingSynthesis{Subject: res.Subject, Kind: kind, Evidence: res.RawEvidence})
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate pending synthesis")
}

func (s *PostgresStore) UpdateSynthesis(ctx context.Context, subjectID int64, kind model.Kind, result *model.StructuredResult, costUSD float64) error {
	synthJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal synthesized")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichments SET synthesized = $1, synthesis_cost_usd = $2, updated_at = $3 WHERE subject_id = $4 AND kind = $5`,
		synthJSON, costUSD, time.Now().UTC(), subjectID, string(kind),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update synthesis %d", subjectID)
	}
	return checkTag(tag.RowsAffected(), "enrichment", enrichmentKey(subjectID, kind))
}

// --- Review queue ---

func (s *PostgresStore) AddReview(ctx context.Context, item model.ReviewItem) error {
	prepareReview(&item)
	_, err := s.pool.Exec(ctx, pgAddReview,
		item.ID, item.SubjectID, string(item.Source), string(item.Kind), item.Priority,
		item.StatusCode, item.URL, item.Message, item.At,
	)
	return eris.Wrap(err, "postgres: add review")
}

func (s *PostgresStore) ListReviews(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, subject_id, source, kind, priority, status_code, url, message, created_at
		 FROM review_items ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reviews")
	}
	defer rows.Close()

	var items []model.ReviewItem
	for rows.Next() {
		var it model.ReviewItem
		var source, kind string
		if err := rows.Scan(&it.ID, &it.SubjectID, &source, &kind, &it.Priority,
			&it.StatusCode, &it.URL, &it.Message, &it.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review")
		}
		it.Source = model.SourceType(source)
		it.Kind = model.ReviewKind(kind)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate reviews")
}

// --- Failure ledger ---

func (s *PostgresStore) RecordFailure(ctx context.Context, rec model.FailureRecord) error {
	prepareFailure(&rec, time.Now().UTC())
	subjectJSON, err := json.Marshal(rec.Subject)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal failure subject")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO lookup_failures
			(id, subject_id, subject, kind, source, error, attempts, status, next_retry_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (subject_id, kind, source) DO UPDATE SET
			error = EXCLUDED.error,
			status = CASE WHEN lookup_failures.status = 'resolved' THEN EXCLUDED.status ELSE lookup_failures.status END,
			attempts = CASE WHEN lookup_failures.status = 'resolved' THEN 0 ELSE lookup_failures.attempts END,
			next_retry_at = CASE WHEN lookup_failures.status = 'resolved' THEN EXCLUDED.next_retry_at ELSE lookup_failures.next_retry_at END,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Subject.ID, subjectJSON, string(rec.Kind), string(rec.Source), rec.Error,
		rec.Attempts, string(rec.Status), rec.NextRetryAt, rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: record failure %d/%s", rec.Subject.ID, rec.Source)
}

func (s *PostgresStore) DueFailures(ctx context.Context, now time.Time, limit int) ([]model.FailureRecord, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, subject, kind, source, error, attempts, status, next_retry_at, created_at, updated_at
		 FROM lookup_failures WHERE status = $1 AND next_retry_at <= $2
		 ORDER BY next_retry_at, id LIMIT $3`,
		string(model.FailurePending), now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: due failures")
	}
	defer rows.Close()

	var out []model.FailureRecord
	for rows.Next() {
		var rec model.FailureRecord
		var subjectJSON []byte
		var kind, source, status string
		if err := rows.Scan(&rec.ID, &subjectJSON, &kind, &source, &rec.Error, &rec.Attempts,
			&status, &rec.NextRetryAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		if err := json.Unmarshal(subjectJSON, &rec.Subject); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal failure subject")
		}
		rec.Kind = model.Kind(kind)
		rec.Source = model.SourceType(source)
		rec.Status = model.FailureStatus(status)
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate failures")
}

func (s *PostgresStore) MarkRetried(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lookup_failures SET attempts = attempts + 1, next_retry_at = $1, error = $2, updated_at = now() WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark retried %s", id)
	}
	return checkTag(tag.RowsAffected(), "failure", id)
}

func (s *PostgresStore) MarkPermanent(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lookup_failures SET attempts = attempts + 1, status = $1, error = $2, updated_at = now() WHERE id = $3`,
		string(model.FailurePermanent), lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark permanent %s", id)
	}
	return checkTag(tag.RowsAffected(), "failure", id)
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lookup_failures SET status = $1, updated_at = now() WHERE id = $2`,
		string(model.FailureResolved), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark resolved %s", id)
	}
	return checkTag(tag.RowsAffected(), "failure", id)
}

func checkTag(n int64, entity, id string) error {
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
