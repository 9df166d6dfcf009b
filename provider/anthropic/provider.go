package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/avratys/loom"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	defaultModel      = "claude-sonnet-4-5"
	anthropicVersion  = "2023-06-01"
)

// Provider implements loom.Provider over the Anthropic Messages API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the default model used when StreamOptions carries none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL (proxies, test servers).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an Anthropic Messages API provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
		name:    "anthropic",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return p.name }

// Stream sends a streaming Messages request and returns the translated event
// channel. The channel closes after a terminal complete or error event, or
// when ctx ends.
func (p *Provider) Stream(ctx context.Context, messages []loom.Message, opts loom.StreamOptions) (<-chan loom.ProviderEvent, error) {
	body := buildBody(messages, opts, p.model)
	body.Stream = true

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ProviderError{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ProviderError{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &loom.ProviderError{Provider: p.name, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &loom.ProviderError{
			Provider: p.name,
			Message:  fmt.Sprintf("http %d: %s", resp.StatusCode, string(errBody)),
		}
	}

	ch := make(chan loom.ProviderEvent)
	go func() {
		defer resp.Body.Close()
		streamSSE(ctx, resp.Body, ch, p.name)
	}()
	return ch, nil
}

// Compile-time interface check.
var _ loom.Provider = (*Provider)(nil)
