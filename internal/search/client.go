// Package search calls the external product search capability. The client
// never returns an error to the pipeline: unconfigured or failing search
// degrades to an empty result list.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modista/shopagent/internal/config"
	"github.com/modista/shopagent/internal/logger"
)

// Item is one ranked item returned by the search capability. Position is the
// stable 1-based provider rank.
type Item struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Price    string `json:"price,omitempty"`
	Source   string `json:"source,omitempty"`
	Position int    `json:"position"`
	Snippet  string `json:"snippet,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Client executes text queries against the search capability.
type Client struct {
	cfg    config.SearchConfig
	client *http.Client
}

// NewClient creates a search client.
func NewClient(cfg config.SearchConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Search executes one query and returns up to limit ranked items. It returns
// an empty list, never an error, when the capability is unconfigured or the
// call fails.
func (c *Client) Search(ctx context.Context, queryText string, limit int) []Item {
	if c.cfg.BaseURL == "" {
		logger.L.Warn("search base url not set, returning empty results", "queryText", head(queryText, 80))
		return nil
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/shop-assistant/search"
	body, err := json.Marshal(map[string]any{"query_text": queryText, "limit": limit})
	if err != nil {
		logger.L.Error("search request marshal failed", "error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		logger.L.Error("search request build failed", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		logger.L.Error("search call failed", "error", err, "queryText", head(queryText, 80))
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.L.Error("search call failed", "error", fmt.Sprintf("unexpected status code: %d", resp.StatusCode), "queryText", head(queryText, 80))
		return nil
	}

	var parsed struct {
		Items []Item `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		logger.L.Error("search response decode failed", "error", err)
		return nil
	}

	items := parsed.Items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	// Providers are expected to rank items; re-derive positions when absent.
	for i := range items {
		if items[i].Position <= 0 {
			items[i].Position = i + 1
		}
	}

	logger.L.Info("search completed", "queryText", head(queryText, 80), "count", len(items))
	return items
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
