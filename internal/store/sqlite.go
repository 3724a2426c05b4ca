package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/obit-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS query_cache (
	source_type     TEXT NOT NULL,
	query_hash      TEXT NOT NULL,
	query           TEXT NOT NULL,
	response_status TEXT NOT NULL,
	payload         BLOB,
	compressed      INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	cost_usd        REAL NOT NULL DEFAULT 0,
	queried_at      DATETIME NOT NULL,
	PRIMARY KEY (source_type, query_hash)
);

CREATE TABLE IF NOT EXISTS enrichments (
	subject_id         INTEGER NOT NULL,
	kind               TEXT NOT NULL,
	result             TEXT NOT NULL,
	evidence_count     INTEGER NOT NULL DEFAULT 0,
	synthesized        TEXT,
	cost_usd           REAL NOT NULL DEFAULT 0,
	synthesis_cost_usd REAL NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	PRIMARY KEY (subject_id, kind)
);

CREATE TABLE IF NOT EXISTS review_items (
	id          TEXT PRIMARY KEY,
	subject_id  INTEGER NOT NULL,
	source      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	priority    TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	url         TEXT NOT NULL DEFAULT '',
	message     TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lookup_failures (
	id            TEXT PRIMARY KEY,
	subject_id    INTEGER NOT NULL,
	subject       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	source        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'pending',
	next_retry_at INTEGER NOT NULL,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	UNIQUE (subject_id, kind, source)
);

CREATE INDEX IF NOT EXISTS idx_query_cache_status ON query_cache(response_status);
CREATE INDEX IF NOT EXISTS idx_enrichments_pending ON enrichments(kind) WHERE synthesized IS NULL;
CREATE INDEX IF NOT EXISTS idx_review_items_created ON review_items(created_at);
CREATE INDEX IF NOT EXISTS idx_lookup_failures_due ON lookup_failures(status, next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Query cache ---

const sqliteUpsertCache = `INSERT INTO query_cache
	(source_type, query_hash, query, response_status, payload, compressed, error_message, cost_usd, queried_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source_type, query_hash) DO UPDATE SET
		query = excluded.query,
		response_status = excluded.response_status,
		payload = excluded.payload,
		compressed = excluded.compressed,
		error_message = excluded.error_message,
		cost_usd = excluded.cost_usd,
		queried_at = excluded.queried_at`

func (s *SQLiteStore) GetCached(ctx context.Context, sourceType model.SourceType, queryHash string) (*model.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_type, query_hash, query, response_status, payload, compressed, error_message, cost_usd, queried_at
		 FROM query_cache WHERE source_type = ? AND query_hash = ?`,
		string(sourceType), queryHash,
	)
	var rec model.CacheRecord
	err := row.Scan(&rec.SourceType, &rec.QueryHash, &rec.Query, &rec.ResponseStatus,
		&rec.Payload, &rec.Compressed, &rec.ErrorMessage, &rec.CostUSD, &rec.QueriedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached")
	}
	rec.Payload, err = DecodePayload(rec.Payload, rec.Compressed)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode cached %s/%s", sourceType, queryHash)
	}
	return &rec, nil
}

func (s *SQLiteStore) PutCached(ctx context.Context, rec *model.CacheRecord) error {
	payload, compressed, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	queriedAt := rec.QueriedAt
	if queriedAt.IsZero() {
		queriedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertCache,
		string(rec.SourceType), rec.QueryHash, rec.Query, string(rec.ResponseStatus),
		payload, compressed, rec.ErrorMessage, rec.CostUSD, queriedAt,
	)
	return eris.Wrap(err, "sqlite: put cached")
}

func (s *SQLiteStore) CacheStats(ctx context.Context) ([]model.CacheStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_type, response_status, COUNT(*) FROM query_cache
		 GROUP BY source_type, response_status ORDER BY source_type, response_status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}
	defer rows.Close() //nolint:errcheck

	var stats []model.CacheStat
	for rows.Next() {
		var st model.CacheStat
		if err := rows.Scan(&st.SourceType, &st.Status, &st.Count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache stat")
		}
		stats = append(stats, st)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: iterate cache stats")
}

// PurgeCachedErrors deletes cached failures; an empty sourceType purges all sources.
func (s *SQLiteStore) PurgeCachedErrors(ctx context.Context, sourceType model.SourceType) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE response_status = ? AND (? = '' OR source_type = ?)`,
		string(model.CacheStatusError), string(sourceType), string(sourceType),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge cached errors")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: purge rows affected")
}

func (s *SQLiteStore) ImportCache(ctx context.Context, recs []model.CacheRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertCache)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for i := range recs {
		rec := &recs[i]
		payload, compressed, err := encodeRecord(rec)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import record %d", i)
		}
		if _, err := stmt.ExecContext(ctx,
			string(rec.SourceType), rec.QueryHash, rec.Query, string(rec.ResponseStatus),
			payload, compressed, rec.ErrorMessage, rec.CostUSD, rec.QueriedAt,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import record %d", i)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import commit")
	}
	return n, nil
}

// --- Enrichment results ---

func (s *SQLiteStore) SaveEnrichment(ctx context.Context, res *model.EnrichmentResult) error {
	row, err := newEnrichmentRow(res)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var synthesized any
	if row.synthesized != nil {
		synthesized = string(row.synthesized)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichments (subject_id, kind, result, evidence_count, synthesized, cost_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id, kind) DO UPDATE SET
			result = excluded.result,
			evidence_count = excluded.evidence_count,
			synthesized = excluded.synthesized,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at`,
		res.Subject.ID, string(res.Kind), string(row.result), row.evidenceCount, synthesized, row.costUSD, now, now,
	)
	return eris.Wrapf(err, "sqlite: save enrichment %d", res.Subject.ID)
}

func (s *SQLiteStore) GetEnrichment(ctx context.Context, subjectID int64, kind model.Kind) (*model.EnrichmentResult, error) {
	var resultJSON string
	var synthesized sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result, synthesized FROM enrichments WHERE subject_id = ? AND kind = ?`,
		subjectID, string(kind),
	).Scan(&resultJSON, &synthesized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment %d", subjectID)
	}
	return decodeEnrichment([]byte(resultJSON), []byte(synthesized.String))
}

func (s *SQLiteStore) ListPendingSynthesis(ctx context.Context, kind model.Kind, limit int) ([]model.PendingSynthesis, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM enrichments
		 WHERE kind = ? AND synthesized IS NULL AND evidence_count > 0
		 ORDER BY subject_id LIMIT ?`,
		string(kind), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending synthesis")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PendingSynthesis
	for rows.Next() {
		var resultJSON string
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending synthesis")
		}
		res, err := decodeEnrichment([]byte(resultJSON), nil)
		if err != nil {
			return nil, err
		}
		out = append(out, model.PendingSynthesis{Subject: res.Subject, Kind: kind, Evidence: res.RawEvidence})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate pending synthesis")
}

func (s *SQLiteStore) UpdateSynthesis(ctx context.Context, subjectID int64, kind model.Kind, result *model.StructuredResult, costUSD float64) error {
	synthJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal synthesized")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichments SET synthesized = ?, synthesis_cost_usd = ?, updated_at = ? WHERE subject_id = ? AND kind = ?`,
		string(synthJSON), costUSD, time.Now().UTC(), subjectID, string(kind),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update synthesis %d", subjectID)
	}
	return checkRowsAffected(res, "enrichment", enrichmentKey(subjectID, kind))
}

// --- Review queue ---

func (s *SQLiteStore) AddReview(ctx context.Context, item model.ReviewItem) error {
	prepareReview(&item)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_items (id, subject_id, source, kind, priority, status_code, url, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SubjectID, string(item.Source), string(item.Kind), item.Priority,
		item.StatusCode, item.URL, item.Message, item.At,
	)
	return eris.Wrap(err, "sqlite: add review")
}

func (s *SQLiteStore) ListReviews(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, source, kind, priority, status_code, url, message, created_at
		 FROM review_items ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reviews")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.ReviewItem
	for rows.Next() {
		var it model.ReviewItem
		if err := rows.Scan(&it.ID, &it.SubjectID, &it.Source, &it.Kind, &it.Priority,
			&it.StatusCode, &it.URL, &it.Message, &it.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate reviews")
}

// --- Failure ledger ---

func (s *SQLiteStore) RecordFailure(ctx context.Context, rec model.FailureRecord) error {
	prepareFailure(&rec, time.Now().UTC())
	subjectJSON, err := json.Marshal(rec.Subject)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal failure subject")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lookup_failures
			(id, subject_id, subject, kind, source, error, attempts, status, next_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id, kind, source) DO UPDATE SET
			error = excluded.error,
			status = CASE WHEN lookup_failures.status = 'resolved' THEN excluded.status ELSE lookup_failures.status END,
			attempts = CASE WHEN lookup_failures.status = 'resolved' THEN 0 ELSE lookup_failures.attempts END,
			next_retry_at = CASE WHEN lookup_failures.status = 'resolved' THEN excluded.next_retry_at ELSE lookup_failures.next_retry_at END,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Subject.ID, string(subjectJSON), string(rec.Kind), string(rec.Source), rec.Error,
		rec.Attempts, string(rec.Status), rec.NextRetryAt.Unix(), rec.CreatedAt, rec.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: record failure %d/%s", rec.Subject.ID, rec.Source)
}

func (s *SQLiteStore) DueFailures(ctx context.Context, now time.Time, limit int) ([]model.FailureRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, kind, source, error, attempts, status, next_retry_at, created_at, updated_at
		 FROM lookup_failures WHERE status = ? AND next_retry_at <= ?
		 ORDER BY next_retry_at, id LIMIT ?`,
		string(model.FailurePending), now.Unix(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: due failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailureRecord
	for rows.Next() {
		var rec model.FailureRecord
		var subjectJSON string
		var nextRetry int64
		if err := rows.Scan(&rec.ID, &subjectJSON, &rec.Kind, &rec.Source, &rec.Error, &rec.Attempts,
			&rec.Status, &nextRetry, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		if err := json.Unmarshal([]byte(subjectJSON), &rec.Subject); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal failure subject")
		}
		rec.NextRetryAt = time.Unix(nextRetry, 0).UTC()
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate failures")
}

func (s *SQLiteStore) MarkRetried(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lookup_failures SET attempts = attempts + 1, next_retry_at = ?, error = ?, updated_at = ? WHERE id = ?`,
		nextRetryAt.Unix(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark retried %s", id)
	}
	return checkRowsAffected(res, "failure", id)
}

func (s *SQLiteStore) MarkPermanent(ctx context.Context, id string, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lookup_failures SET attempts = attempts + 1, status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(model.FailurePermanent), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark permanent %s", id)
	}
	return checkRowsAffected(res, "failure", id)
}

func (s *SQLiteStore) MarkResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lookup_failures SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.FailureResolved), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark resolved %s", id)
	}
	return checkRowsAffected(res, "failure", id)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
