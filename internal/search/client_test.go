package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modista/shopagent/internal/config"
)

func TestSearch_ParsesItems(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/shop-assistant/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"title": "Jacket A", "url": "https://a", "price": "10 EUR", "source": "shopA", "position": 1},
				{"title": "Jacket B", "url": "https://b", "position": 2, "image_url": "https://b/img.png"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{BaseURL: srv.URL})
	items := c.Search(context.Background(), "red jacket", 20)

	require.Equal(t, "red jacket", gotBody["query_text"])
	require.Equal(t, float64(20), gotBody["limit"])
	require.Len(t, items, 2)
	require.Equal(t, "Jacket A", items[0].Title)
	require.Equal(t, 1, items[0].Position)
	require.Equal(t, "https://b/img.png", items[1].ImageURL)
}

func TestSearch_TrimsToLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := make([]map[string]any, 8)
		for i := range items {
			items[i] = map[string]any{"title": "item", "url": "https://x", "position": i + 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{BaseURL: srv.URL})
	items := c.Search(context.Background(), "anything", 3)
	require.Len(t, items, 3)
}

func TestSearch_NormalizesMissingPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"title": "a", "url": "https://a"},
				{"title": "b", "url": "https://b"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{BaseURL: srv.URL})
	items := c.Search(context.Background(), "anything", 10)
	require.Len(t, items, 2)
	require.Equal(t, 1, items[0].Position)
	require.Equal(t, 2, items[1].Position)
}

func TestSearch_UnconfiguredReturnsEmpty(t *testing.T) {
	c := NewClient(config.SearchConfig{})
	require.Empty(t, c.Search(context.Background(), "anything", 10))
}

func TestSearch_ServerErrorReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{BaseURL: srv.URL})
	require.Empty(t, c.Search(context.Background(), "anything", 10))
}

func TestSearch_MalformedBodyReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(config.SearchConfig{BaseURL: srv.URL})
	require.Empty(t, c.Search(context.Background(), "anything", 10))
}
