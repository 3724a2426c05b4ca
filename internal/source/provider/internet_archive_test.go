package provider

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/model"
	"github.com/sells-group/obit-cli/internal/resilience"
)

func TestInternetArchive_FullTextSnippets(t *testing.T) {
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 100)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/advancedsearch.php":
			assert.Equal(t, `"Sean Connery" AND mediatype:texts`, r.URL.Query().Get("q"))
			writeJSON(t, w, map[string]any{"response": map[string]any{"docs": []map[string]any{
				{"identifier": "bond-annual-2021", "title": "Bond Annual 2021", "description": []string{"Tributes", "<b>Memorial issue</b>"}},
			}}})
		case "/download/bond-annual-2021/bond-annual-2021_djvu.txt":
			_, _ = w.Write([]byte(filler + "Sean Connery died in Nassau after a long illness, his family said. " + filler))
		default:
			http.NotFound(w, r)
		}
	})
	deps := testDeps(model.KindCauseOfDeath)
	deps.Endpoints.InternetArchive = srv.URL

	res, err := NewInternetArchive(deps).Lookup(context.Background(), connery)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, srv.URL+"/details/bond-annual-2021", res.Entry.URL)
	assert.Contains(t, res.Data.Text, "Bond Annual 2021")
	assert.Contains(t, res.Data.Text, "died in Nassau after a long illness")
	assert.NotContains(t, res.Data.Text, "<b>")
	assert.Equal(t, model.TierReference, res.Entry.ReliabilityTier)
}

func TestInternetArchive_NoItems(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]any{"response": map[string]any{"docs": []any{}}})
	})
	deps := testDeps(model.KindCauseOfDeath)
	deps.Endpoints.InternetArchive = srv.URL

	res, err := NewInternetArchive(deps).Lookup(context.Background(), connery)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "internet_archive: no items", res.Error)
}

func TestSnippetsAround(t *testing.T) {
	text := "aaaa Jane Doe bbbb cccc Jane Doe dddd"
	got := snippetsAround(text, "jane doe", 5, 4)
	assert.Equal(t, "aaaa Jane Doe bbbb\n...\ncccc Jane Doe dddd", got)

	assert.Equal(t, "", snippetsAround(text, "", 5, 4))
	assert.Equal(t, "aaaa Jane Doe bbbb", snippetsAround(text, "jane doe", 5, 1))
}

func TestStringOrList(t *testing.T) {
	var s stringOrList
	require.NoError(t, s.UnmarshalJSON([]byte(`"one"`)))
	assert.Equal(t, stringOrList{"one"}, s)
	require.NoError(t, s.UnmarshalJSON([]byte(`["a","b"]`)))
	assert.Equal(t, stringOrList{"a", "b"}, s)
	assert.Error(t, s.UnmarshalJSON([]byte(`7`)))
}

func TestInternetArchive_BlockedSearchUsesFallback(t *testing.T) {
	srv := newServer(t, forbidden)
	deps := testDeps(model.KindCauseOfDeath)
	deps.Endpoints.InternetArchive = srv.URL
	desc := strings.Repeat("Sean Connery died in Nassau after a long illness, his family said in a statement. ", 6)
	fb := &recordingFallback{text: `{"response":{"docs":[{"identifier":"bond-annual-2021","title":"Bond Annual 2021","description":"` + desc + `"}]}}`}
	deps.Fallback = fb

	res, err := NewInternetArchive(deps).Lookup(context.Background(), connery)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Len(t, fb.urls, 1)
	assert.True(t, strings.HasPrefix(fb.urls[0], srv.URL+"/advancedsearch.php?"))
	assert.Equal(t, srv.URL+"/details/bond-annual-2021", res.Entry.URL)
	assert.Contains(t, res.Data.Text, "died in Nassau")
}

func TestInternetArchive_BlockedSearchUnusableFallback(t *testing.T) {
	srv := newServer(t, forbidden)
	deps := testDeps(model.KindCauseOfDeath)
	deps.Endpoints.InternetArchive = srv.URL
	fb := &recordingFallback{text: "Please enable JavaScript"}
	deps.Fallback = fb

	_, err := NewInternetArchive(deps).Lookup(context.Background(), connery)
	_, ok := resilience.AsBlocked(err)
	assert.True(t, ok)
	assert.Len(t, fb.urls, 1)
}
