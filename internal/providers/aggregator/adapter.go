// Package aggregator adapts requests to an OpenAI-shaped multi-provider
// aggregator, forwarding provider-routing preferences alongside the chat
// payload.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/providers"
)

const defaultBaseURL = "https://openrouter.ai/api"

// Adapter implements engine.Provider for the aggregator.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an aggregator adapter. An empty baseURL means the public API.
func New(baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	a := &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Kind() string { return "aggregator" }

// HealthEndpoint returns a URL for reachability probing.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/models"
}

func (a *Adapter) Send(ctx context.Context, creds auth.Credentials, req providers.Request) (providers.Response, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload(req, false), headers(creds))
	if err != nil {
		return providers.Response{}, err
	}
	resp := providers.Response{Body: body}
	var usage struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &usage) == nil {
		resp.PromptTokens = usage.Usage.PromptTokens
		resp.CompletionTokens = usage.Usage.CompletionTokens
	}
	return resp, nil
}

// SendStream sends a streaming request and returns the raw SSE body.
func (a *Adapter) SendStream(ctx context.Context, creds auth.Credentials, req providers.Request) (io.ReadCloser, error) {
	return providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload(req, true), headers(creds))
}

func payload(req providers.Request, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	p := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if stream {
		p["stream"] = true
	}
	for k, v := range req.Extra {
		switch k {
		case "model", "messages", "stream", "provider", "reasoning":
		default:
			p[k] = v
		}
	}
	if req.Prefs != nil {
		p["provider"] = req.Prefs
	}
	switch {
	case req.ThinkingEffort != "":
		p["reasoning"] = map[string]any{"effort": req.ThinkingEffort}
	case req.ThinkingBudget > 0:
		p["reasoning"] = map[string]any{"max_tokens": req.ThinkingBudget}
	}
	if req.MaxTokens > 0 {
		p["max_tokens"] = req.MaxTokens
	}
	return p
}

func headers(creds auth.Credentials) map[string]string {
	return map[string]string{"Authorization": "Bearer " + creds.Token}
}

// Classify maps a transport error into the engine taxonomy.
func (a *Adapter) Classify(err error) *engine.Error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		e := &engine.Error{Status: se.StatusCode, Provider: a.Kind(), Err: err}
		switch {
		case se.StatusCode == 429:
			e.Kind = engine.RateLimit
			e.RetryAfterSecs = se.RetryAfterSecs
		case se.StatusCode == 401 || se.StatusCode == 403:
			e.Kind = engine.AuthInvalid
		case se.StatusCode >= 500:
			e.Kind = engine.ProviderTransient
		case strings.Contains(se.Body, "context length") || strings.Contains(se.Body, "maximum context"):
			e.Kind = engine.ContextOverflow
		default:
			e.Kind = engine.ProviderPermanent
		}
		return e
	}
	return &engine.Error{Kind: engine.ProviderTransient, Provider: a.Kind(), Err: err}
}
