package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cacheMerge = Merge{
	Table: "public.query_cache",
	Key:   []string{"source_type", "query_hash"},
	Cols:  []string{"source_type", "query_hash", "payload"},
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMerge_EmptyRows(t *testing.T) {
	n, err := cacheMerge.Load(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMerge_Validate(t *testing.T) {
	tests := []struct {
		name string
		m    Merge
		want string
	}{
		{"no table", Merge{Key: []string{"a"}, Cols: []string{"a"}}, "no table"},
		{"no columns", Merge{Table: "query_cache", Key: []string{"a"}}, "no columns"},
		{"no key", Merge{Table: "query_cache", Cols: []string{"a"}}, "no key"},
		{"key not loaded", Merge{Table: "query_cache", Key: []string{"query_hash"}, Cols: []string{"payload"}}, `key "query_hash"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.m.Load(context.Background(), nil, [][]any{{"x"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMerge_SQL(t *testing.T) {
	assert.Equal(t,
		`CREATE TEMP TABLE "stage_public_query_cache" (LIKE "public"."query_cache" INCLUDING DEFAULTS) ON COMMIT DROP`,
		cacheMerge.stageSQL())
	assert.Equal(t,
		`INSERT INTO "public"."query_cache" ("source_type", "query_hash", "payload") SELECT "source_type", "query_hash", "payload" FROM "stage_public_query_cache" ON CONFLICT ("source_type", "query_hash") DO UPDATE SET "payload" = EXCLUDED."payload"`,
		cacheMerge.mergeSQL())

	keysOnly := Merge{Table: "seen", Key: []string{"id"}, Cols: []string{"id"}}
	assert.Contains(t, keysOnly.mergeSQL(), `ON CONFLICT ("id") DO NOTHING`)
}

func TestMerge_Load(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_public_query_cache"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_public_query_cache"}, cacheMerge.Cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "public"."query_cache" .* ON CONFLICT \("source_type", "query_hash"\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	rows := [][]any{{"wikidata", "h1", []byte("a")}, {"wikipedia", "h2", []byte("b")}}
	n, err := cacheMerge.Load(context.Background(), mock, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_LoadCopyFails(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_public_query_cache"}, cacheMerge.Cols).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err := cacheMerge.Load(context.Background(), mock, [][]any{{"wikidata", "h1", []byte("a")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: merge public.query_cache: copy")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTableIdent(t *testing.T) {
	assert.Equal(t, `"query_cache"`, tableIdent("query_cache"))
	assert.Equal(t, `"public"."query_cache"`, tableIdent("public.query_cache"))
}
