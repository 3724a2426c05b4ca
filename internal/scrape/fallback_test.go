package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/obit-cli/internal/resilience"
	"github.com/sells-group/obit-cli/pkg/firecrawl"
	"github.com/sells-group/obit-cli/pkg/jina"
)

type mockJina struct{ mock.Mock }

func (m *mockJina) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	if v := args.Get(0); v != nil {
		return v.(*jina.ReadResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJina) Search(ctx context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error) {
	args := m.Called(ctx, query)
	if v := args.Get(0); v != nil {
		return v.(*jina.SearchResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockFirecrawl struct{ mock.Mock }

func (m *mockFirecrawl) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.(*firecrawl.ScrapeResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

type stubFallback struct {
	text  string
	err   error
	calls int
	urls  []string
}

func (s *stubFallback) Name() string { return "stub" }

func (s *stubFallback) Fetch(_ context.Context, targetURL string) (string, error) {
	s.calls++
	s.urls = append(s.urls, targetURL)
	return s.text, s.err
}

func blockedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchWithFallback_Direct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(obituaryHTML))
	}))
	defer srv.Close()

	fb := &stubFallback{}
	article, err := FetchWithFallback(context.Background(), NewFetcher(), fb, srv.URL)
	require.NoError(t, err)
	assert.False(t, article.ViaFallback)
	assert.Equal(t, 0, fb.calls)
}

func TestFetchWithFallback_BlockedRecovered(t *testing.T) {
	srv := blockedServer(t)
	fb := &stubFallback{text: "archived obituary text"}

	article, err := FetchWithFallback(context.Background(), NewFetcher(), fb, srv.URL)
	require.NoError(t, err)
	assert.True(t, article.ViaFallback)
	assert.Equal(t, "archived obituary text", article.Text)
	assert.Equal(t, 1, fb.calls)
}

func TestFetchWithFallback_BlockedFallbackFails(t *testing.T) {
	srv := blockedServer(t)
	fb := &stubFallback{err: errors.New("no snapshot")}

	_, err := FetchWithFallback(context.Background(), NewFetcher(), fb, srv.URL)
	require.Error(t, err)
	blocked, ok := resilience.AsBlocked(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, blocked.StatusCode)
	assert.Equal(t, 1, fb.calls)
}

func TestFetchWithFallback_NoFallbackConfigured(t *testing.T) {
	srv := blockedServer(t)
	_, err := FetchWithFallback(context.Background(), NewFetcher(), nil, srv.URL)
	_, ok := resilience.AsBlocked(err)
	assert.True(t, ok)
}

func TestFetchWithFallback_OrdinaryErrorSkipsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	fb := &stubFallback{text: "unused"}
	_, err := FetchWithFallback(context.Background(), NewFetcher(), fb, srv.URL)
	require.Error(t, err)
	assert.Equal(t, 0, fb.calls)
}

func TestGetWithFallback(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		fb := &stubFallback{text: "unused"}
		page, err := GetWithFallback(context.Background(), NewFetcher(), fb, srv.URL, "")
		require.NoError(t, err)
		assert.False(t, page.ViaFallback)
		assert.Nil(t, page.Blocked)
		assert.Equal(t, 0, fb.calls)
	})

	t.Run("blocked_uses_archive_url", func(t *testing.T) {
		srv := blockedServer(t)
		fb := &stubFallback{text: "Sean Connery died in Nassau."}

		page, err := GetWithFallback(context.Background(), NewFetcher(), fb, srv.URL+"/api", "https://en.wikipedia.org/wiki/Sean_Connery")
		require.NoError(t, err)
		assert.True(t, page.ViaFallback)
		assert.Equal(t, "Sean Connery died in Nassau.", string(page.Body))
		assert.Equal(t, "https://en.wikipedia.org/wiki/Sean_Connery", page.URL)
		require.NotNil(t, page.Blocked)
		assert.Equal(t, http.StatusForbidden, page.Blocked.StatusCode)
		assert.Equal(t, []string{"https://en.wikipedia.org/wiki/Sean_Connery"}, fb.urls)
	})

	t.Run("blocked_defaults_to_target", func(t *testing.T) {
		srv := blockedServer(t)
		fb := &stubFallback{text: "archived"}

		_, err := GetWithFallback(context.Background(), NewFetcher(), fb, srv.URL+"/feed", "")
		require.NoError(t, err)
		assert.Equal(t, []string{srv.URL + "/feed"}, fb.urls)
	})

	t.Run("fallback_fails", func(t *testing.T) {
		srv := blockedServer(t)
		fb := &stubFallback{err: errors.New("no snapshot")}

		_, err := GetWithFallback(context.Background(), NewFetcher(), fb, srv.URL, "")
		blocked, ok := resilience.AsBlocked(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusForbidden, blocked.StatusCode)
		assert.Equal(t, 1, fb.calls)
	})

	t.Run("empty_fallback_text_keeps_block", func(t *testing.T) {
		srv := blockedServer(t)
		fb := &stubFallback{text: "   "}

		_, err := GetWithFallback(context.Background(), NewFetcher(), fb, srv.URL, "")
		_, ok := resilience.AsBlocked(err)
		assert.True(t, ok)
		assert.Equal(t, 1, fb.calls)
	})

	t.Run("not_found_skips_fallback", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		fb := &stubFallback{text: "unused"}
		_, err := GetWithFallback(context.Background(), NewFetcher(), fb, srv.URL, "")
		require.Error(t, err)
		assert.Equal(t, 0, fb.calls)
	})
}

func TestWaybackFallback(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/available":
			assert.Equal(t, "https://legacy.example.com/obit/1", r.URL.Query().Get("url"))
			fmt.Fprintf(w, `{"archived_snapshots":{"closest":{"available":true,"status":"200","url":"%s/web/2020/obit"}}}`, srv.URL)
		case "/web/2020/obit":
			_, _ = w.Write([]byte(obituaryHTML))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	wb := NewWaybackFallback(srv.URL+"/available", NewFetcher())
	assert.Equal(t, "wayback", wb.Name())
	text, err := wb.Fetch(context.Background(), "https://legacy.example.com/obit/1")
	require.NoError(t, err)
	assert.Contains(t, text, "Nassau")
}

func TestWaybackFallback_NoSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"archived_snapshots":{}}`))
	}))
	defer srv.Close()

	_, err := NewWaybackFallback(srv.URL, NewFetcher()).Fetch(context.Background(), "https://x.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshot")
}

func TestJinaFallback(t *testing.T) {
	long := strings.Repeat("He died of complications from pneumonia. ", 10)
	m := &mockJina{}
	m.On("Read", mock.Anything, "https://ok.example.com").Return(&jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: long}}, nil)
	m.On("Read", mock.Anything, "https://challenge.example.com").Return(&jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: "Just a moment... checking your browser before you can continue reading this page."}}, nil)

	fb := NewJinaFallback(m)
	assert.Equal(t, "jina", fb.Name())

	text, err := fb.Fetch(context.Background(), "https://ok.example.com")
	require.NoError(t, err)
	assert.Contains(t, text, "pneumonia")

	_, err = fb.Fetch(context.Background(), "https://challenge.example.com")
	require.Error(t, err)
	m.AssertExpectations(t)
}

func TestJinaFallback_CircuitOpens(t *testing.T) {
	m := &mockJina{}
	m.On("Read", mock.Anything, mock.Anything).Return(nil, errors.New("upstream down")).Times(3)

	fb := NewJinaFallback(m)
	for i := 0; i < 3; i++ {
		_, err := fb.Fetch(context.Background(), "https://x.example.com")
		require.Error(t, err)
	}
	_, err := fb.Fetch(context.Background(), "https://x.example.com")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	m.AssertNumberOfCalls(t, "Read", 3)
}

func TestNeedsFallback(t *testing.T) {
	long := strings.Repeat("a", 200)
	assert.True(t, needsFallback(nil))
	assert.True(t, needsFallback(&jina.ReadResponse{Code: 500, Data: jina.ReadData{Content: long}}))
	assert.True(t, needsFallback(&jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: "short"}}))
	assert.True(t, needsFallback(&jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: "Access denied " + long}}))
	assert.False(t, needsFallback(&jina.ReadResponse{Code: 200, Data: jina.ReadData{Content: long}}))
}

func TestFirecrawlFallback(t *testing.T) {
	long := strings.Repeat("Obituary text. ", 20)
	m := &mockFirecrawl{}
	m.On("Scrape", mock.Anything, mock.MatchedBy(func(r firecrawl.ScrapeRequest) bool {
		return r.URL == "https://ok.example.com" && r.OnlyMainContent
	})).Return(&firecrawl.ScrapeResponse{Success: true, Data: firecrawl.PageData{Markdown: long}}, nil)
	m.On("Scrape", mock.Anything, mock.MatchedBy(func(r firecrawl.ScrapeRequest) bool {
		return r.URL == "https://fail.example.com"
	})).Return(&firecrawl.ScrapeResponse{Success: false, Error: "blocked"}, nil)

	fb := NewFirecrawlFallback(m)
	assert.Equal(t, "firecrawl", fb.Name())

	text, err := fb.Fetch(context.Background(), "https://ok.example.com")
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(long), text)

	_, err = fb.Fetch(context.Background(), "https://fail.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not successful")
}

func TestWaybackFallback_RetriesUnavailable(t *testing.T) {
	var calls int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/available":
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintf(w, `{"archived_snapshots":{"closest":{"available":true,"url":"%s/web/obit"}}}`, srv.URL)
		case "/web/obit":
			_, _ = w.Write([]byte(obituaryHTML))
		}
	}))
	defer srv.Close()

	wb := NewWaybackFallback(srv.URL+"/available", NewFetcher())
	wb.retry.InitialBackoff = time.Millisecond
	text, err := wb.Fetch(context.Background(), "https://legacy.example.com/obit/2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, text, "Nassau")
}

func TestFetcher_TransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewFetcher().Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	_, blocked := resilience.AsBlocked(err)
	assert.False(t, blocked)
}
