//go:build !integration

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/store"
)

func TestReadCacheJSONL(t *testing.T) {
	p := writeFile(t, "cache.jsonl", `{"source_type":"wikidata","query_hash":"abc","query":"Q4573","response_status":"success","cost_usd":0}

{"source_type":"legacy","query":"Sean Connery obituary","response_status":"error","error_message":"no matching obituary"}
`)
	recs, err := readCacheJSONL(p)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "abc", recs[0].QueryHash)
	assert.Equal(t, store.QueryHash(model.SourceLegacy, "Sean Connery obituary"), recs[1].QueryHash)
	assert.Equal(t, model.CacheStatusError, recs[1].ResponseStatus)
}

func TestReadCacheJSONL_Invalid(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		p := writeFile(t, "bad.jsonl", "{not json}\n")
		_, err := readCacheJSONL(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ":1")
	})
	t.Run("missing key", func(t *testing.T) {
		p := writeFile(t, "nokey.jsonl", `{"source_type":"wikidata"}`+"\n")
		_, err := readCacheJSONL(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "needs source_type")
	})
}

func TestImportCacheFiles(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	a := writeFile(t, "a.jsonl", `{"source_type":"wikidata","query":"Q1","response_status":"success","payload":"eyJ0ZXh0IjoiaGkifQ=="}`+"\n")
	b := writeFile(t, "b.jsonl", `{"source_type":"wikidata","query":"Q2","response_status":"error","error_message":"none"}
{"source_type":"legacy","query":"x obituary","response_status":"error","error_message":"none"}
`)

	n, err := importCacheFiles(ctx, st, []string{a, b})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rec, err := st.GetCached(ctx, model.SourceWikidata, store.QueryHash(model.SourceWikidata, "Q1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"text":"hi"}`, string(rec.Payload))

	purged, err := st.PurgeCachedErrors(ctx, model.SourceWikidata)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	stats, err := st.CacheStats(ctx)
	require.NoError(t, err)
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	assert.Equal(t, 2, total)
}

func TestImportCacheFiles_MissingFile(t *testing.T) {
	st := newTestStore(t)
	_, err := importCacheFiles(context.Background(), st, []string{"/nonexistent/cache.jsonl"})
	require.Error(t, err)
}
