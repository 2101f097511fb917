package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	ReadURLName = "read_url"

	maxReadURLChars = 50000
	maxReadURLBytes = 5 << 20
)

// ReadURL fetches a URL and converts its HTML content to markdown.
type ReadURL struct {
	client *http.Client
}

// NewReadURL creates a new ReadURL tool.
func NewReadURL() *ReadURL {
	return &ReadURL{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *ReadURL) Name() string { return ReadURLName }
func (r *ReadURL) Description() string {
	return "Fetch a web page (booking confirmation, venue page, timetable) and return its content as markdown"
}
func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (r *ReadURL) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return "", fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Tripclaw/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadURLBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	content := string(body)
	if isHTML(resp.Header.Get("Content-Type")) {
		content, err = htmltomarkdown.ConvertString(content)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
	}

	if len(content) > maxReadURLChars {
		content = content[:maxReadURLChars] + "\n\n[Content truncated]"
	}
	return content, nil
}

// isHTML treats a missing content type as HTML.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
