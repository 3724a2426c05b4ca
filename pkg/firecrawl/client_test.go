package firecrawl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrape_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scrape", r.URL.Path)
		assert.Equal(t, "Bearer fc-key", r.Header.Get("Authorization"))

		var req ScrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/obit", req.URL)
		assert.Equal(t, []string{"markdown"}, req.Formats)
		assert.True(t, req.OnlyMainContent)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"markdown": "# Obituary\nShe died peacefully.",
				"metadata": map[string]any{"title": "Obituary", "sourceURL": "https://example.com/obit", "statusCode": 200},
			},
		})
	}))
	defer ts.Close()

	c := NewClient("fc-key", WithBaseURL(ts.URL))
	resp, err := c.Scrape(context.Background(), ScrapeRequest{URL: "https://example.com/obit", OnlyMainContent: true})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Data.Markdown, "died peacefully")
	assert.Equal(t, 200, resp.Data.Metadata.StatusCode)
	assert.Equal(t, "Obituary", resp.Data.Metadata.Title)
}

func TestScrape_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient credits"}`))
	}))
	defer ts.Close()

	_, err := NewClient("k", WithBaseURL(ts.URL)).Scrape(context.Background(), ScrapeRequest{URL: "https://x.test"})
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPaymentRequired, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "insufficient credits")
}

func TestScrape_EmptyURL(t *testing.T) {
	_, err := NewClient("k").Scrape(context.Background(), ScrapeRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty url")
}

func TestScrape_BadJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	_, err := NewClient("k", WithBaseURL(ts.URL)).Scrape(context.Background(), ScrapeRequest{URL: "https://x.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}
