// Package gemini adapts requests to the Gemini generateContent API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements engine.Provider for Gemini. API keys ride the query
// string; OAuth bearers ride the Authorization header.
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

// New creates a Gemini adapter. An empty baseURL means the public API.
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

func (a *Adapter) Kind() string { return "gemini" }

// HealthEndpoint returns a URL for reachability probing.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1beta/models"
}

func (a *Adapter) Send(ctx context.Context, creds auth.Credentials, req providers.Request) (providers.Response, error) {
	body, err := providers.DoRequest(ctx, a.client,
		a.endpoint(req.Model, "generateContent", creds), payload(req), headers(creds))
	if err != nil {
		return providers.Response{}, err
	}
	resp := providers.Response{Body: body}
	var usage struct {
		UsageMetadata struct {
			PromptTokenCount     int `json:"promptTokenCount"`
			CandidatesTokenCount int `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if json.Unmarshal(body, &usage) == nil {
		resp.PromptTokens = usage.UsageMetadata.PromptTokenCount
		resp.CompletionTokens = usage.UsageMetadata.CandidatesTokenCount
	}
	return resp, nil
}

// SendStream sends a streaming request and returns the raw SSE body.
func (a *Adapter) SendStream(ctx context.Context, creds auth.Credentials, req providers.Request) (io.ReadCloser, error) {
	return providers.DoStreamRequest(ctx, a.client,
		a.endpoint(req.Model, "streamGenerateContent", creds)+streamSuffix(creds), payload(req), headers(creds))
}

func (a *Adapter) endpoint(model, method string, creds auth.Credentials) string {
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", a.baseURL, model, method)
	if creds.Type == auth.TypeAPIKey {
		u += "?key=" + url.QueryEscape(creds.Token)
	}
	return u
}

func streamSuffix(creds auth.Credentials) string {
	if creds.Type == auth.TypeAPIKey {
		return "&alt=sse"
	}
	return "?alt=sse"
}

func headers(creds auth.Credentials) map[string]string {
	if creds.Type == auth.TypeBearer {
		return map[string]string{"Authorization": "Bearer " + creds.Token}
	}
	return nil
}

func payload(req providers.Request) map[string]any {
	var contents []map[string]any
	var system []map[string]string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, map[string]string{"text": m.Content})
		case "assistant":
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": m.Content}},
			})
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]string{{"text": m.Content}},
			})
		}
	}

	p := map[string]any{"contents": contents}
	if len(system) > 0 {
		p["systemInstruction"] = map[string]any{"parts": system}
	}

	gen := map[string]any{}
	if req.MaxTokens > 0 {
		gen["maxOutputTokens"] = req.MaxTokens
	}
	if req.ThinkingBudget > 0 {
		gen["thinkingConfig"] = map[string]any{"thinkingBudget": req.ThinkingBudget}
	}
	if len(gen) > 0 {
		p["generationConfig"] = gen
	}
	return p
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
		case strings.Contains(se.Body, "exceeds the maximum number of tokens"):
			e.Kind = engine.ContextOverflow
		default:
			e.Kind = engine.ProviderPermanent
		}
		return e
	}
	return &engine.Error{Kind: engine.ProviderTransient, Provider: a.Kind(), Err: err}
}
