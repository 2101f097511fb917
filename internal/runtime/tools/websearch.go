package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const WebSearchName = "web_search"

// WebSearch searches the web through the Brave Search API.
type WebSearch struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewWebSearch creates a web search tool authenticated with apiKey.
func NewWebSearch(apiKey string) *WebSearch {
	return &WebSearch{
		apiKey:  apiKey,
		baseURL: "https://api.search.brave.com/res/v1/web/search",
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebSearch) Name() string { return WebSearchName }
func (w *WebSearch) Description() string {
	return "Search the web for current travel information such as opening hours, prices and schedules"
}
func (w *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"count": {"type": "integer", "description": "Number of results (default: 5, max: 20)"},
			"country": {"type": "string", "description": "Two-letter country code to localize results, e.g. PT"}
		},
		"required": ["query"]
	}`)
}

type searchResponse struct {
	Web struct {
		Results []searchResult `json:"results"`
	} `json:"web"`
}

type searchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age,omitempty"`
}

func (w *WebSearch) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query   string `json:"query"`
		Count   int    `json:"count"`
		Country string `json:"country"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if w.apiKey == "" {
		return "", fmt.Errorf("web search is not configured")
	}
	params.Count = min(max(params.Count, 0), 20)
	if params.Count == 0 {
		params.Count = 5
	}

	u, err := url.Parse(w.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	if params.Country != "" {
		q.Set("country", strings.ToUpper(params.Country))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Web.Results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	for i, r := range result.Web.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Age != "" {
			fmt.Fprintf(&sb, "   (%s)\n", r.Age)
		}
		fmt.Fprintf(&sb, "   %s\n\n", r.Description)
	}
	return sb.String(), nil
}
