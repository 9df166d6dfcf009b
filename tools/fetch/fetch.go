// Package fetch downloads URLs permitted by the sandbox network policy and
// extracts readable text content.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/avratys/loom"
)

// Tool fetches a URL and extracts its readable content. Destinations are
// checked against the sandbox network policy before any request is made.
type Tool struct {
	sandbox *loom.Sandbox
	client  *http.Client
}

// Option configures a fetch Tool.
type Option func(*Tool)

// WithHTTPClient replaces the default 15-second-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a fetch Tool bound to the given sandbox.
func New(sandbox *loom.Sandbox, opts ...Option) *Tool {
	t := &Tool{
		sandbox: sandbox,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definition() loom.ToolDefinition {
	return loom.ToolDefinition{
		Name:        "http_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, input json.RawMessage, _ loom.ToolContext) (loom.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return loom.ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
	}
	if params.URL == "" {
		return loom.ToolResult{Content: "url is required", IsError: true}, nil
	}

	if err := t.sandbox.ValidateNetwork(params.URL); err != nil {
		return loom.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return loom.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	if max := t.sandbox.Config().MaxOutputLength; len(content) > max {
		content = content[:max] + "\n... (truncated)"
	}
	return loom.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported so other
// components can reuse the extraction without the tool wrapper; callers are
// responsible for network policy checks.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LoomBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Non-article pages (plain text, JSON) come back as-is.
	return strings.TrimSpace(html), nil
}

// Compile-time interface check.
var _ loom.Tool = (*Tool)(nil)
