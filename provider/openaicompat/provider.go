package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/avratys/loom"
)

const defaultName = "openai"

// Provider implements loom.Provider over the OpenAI chat completions API.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"); the
// /chat/completions path is appended automatically.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name reported by Name (e.g. "groq",
// "openrouter") so logs and events attribute output to the actual backend.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible chat provider.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    defaultName,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Stream sends a streaming chat completions request and returns the translated
// event channel. The channel closes after a terminal complete or error event,
// or when ctx ends.
func (p *Provider) Stream(ctx context.Context, messages []loom.Message, opts loom.StreamOptions) (<-chan loom.ProviderEvent, error) {
	body := buildBody(messages, opts, p.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ProviderError{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ProviderError{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

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
