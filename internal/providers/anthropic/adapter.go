// Package anthropic adapts requests to the Anthropic Messages API.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Adapter implements engine.Provider for Anthropic. Credentials pass
// through per request: OAuth-issued bearers and plain API keys both work.
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

// New creates an Anthropic adapter. An empty baseURL means the public API.
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

func (a *Adapter) Kind() string { return "anthropic" }

// HealthEndpoint returns a URL for reachability probing. A GET to the
// messages endpoint returns 405, which proves the service is up.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) Send(ctx context.Context, creds auth.Credentials, req providers.Request) (providers.Response, error) {
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", a.payload(req, false), a.headers(creds))
	if err != nil {
		return providers.Response{}, err
	}
	resp := providers.Response{Body: body}
	var usage struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if json.Unmarshal(body, &usage) == nil {
		resp.PromptTokens = usage.Usage.InputTokens
		resp.CompletionTokens = usage.Usage.OutputTokens
	}
	return resp, nil
}

// SendStream sends a streaming request and returns the raw SSE body.
func (a *Adapter) SendStream(ctx context.Context, creds auth.Credentials, req providers.Request) (io.ReadCloser, error) {
	return providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", a.payload(req, true), a.headers(creds))
}

func (a *Adapter) payload(req providers.Request, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if stream {
		payload["stream"] = true
	}
	for k, v := range req.Extra {
		switch k {
		case "model", "messages", "stream", "thinking", "max_tokens":
		default:
			payload[k] = v
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if req.ThinkingBudget > 0 {
		payload["thinking"] = map[string]any{
			"type":          "enabled",
			"budget_tokens": req.ThinkingBudget,
		}
		// max_tokens must exceed the thinking budget.
		if maxTokens <= req.ThinkingBudget {
			maxTokens = req.ThinkingBudget + 4096
		}
	}
	payload["max_tokens"] = maxTokens
	return payload
}

func (a *Adapter) headers(creds auth.Credentials) map[string]string {
	h := map[string]string{"anthropic-version": apiVersion}
	if creds.Type == auth.TypeBearer {
		h["Authorization"] = "Bearer " + creds.Token
	} else {
		h["x-api-key"] = creds.Token
	}
	return h
}

// Classify maps a transport error into the engine taxonomy. 529 is
// Anthropic's overloaded status and behaves like 429.
func (a *Adapter) Classify(err error) *engine.Error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		e := &engine.Error{Status: se.StatusCode, Provider: a.Kind(), Err: err}
		switch {
		case se.StatusCode == 429 || se.StatusCode == 529:
			e.Kind = engine.RateLimit
			e.RetryAfterSecs = se.RetryAfterSecs
		case se.StatusCode == 401 || se.StatusCode == 403:
			e.Kind = engine.AuthInvalid
		case se.StatusCode >= 500:
			e.Kind = engine.ProviderTransient
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
			e.Kind = engine.ContextOverflow
		default:
			e.Kind = engine.ProviderPermanent
		}
		return e
	}
	// Timeouts and connection failures are retryable.
	return &engine.Error{Kind: engine.ProviderTransient, Provider: a.Kind(), Err: err}
}
