package auth

import (
	"net/http"
	"os"
	"strings"
)

// DefaultRegistry wires the stock adapters in shape-precedence order.
// sk-ant- and sk-or- must be probed before the bare sk- prefix.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(AnthropicAdapter{})
	r.Register(AggregatorAdapter{})
	r.Register(OpenAIAdapter{})
	r.Register(GeminiAdapter{})
	return r
}

// AnthropicAdapter recognizes sk-ant- tokens as bearer or x-api-key. The
// token is passed through untouched; OAuth-issued bearers route the same
// way.
type AnthropicAdapter struct{}

func (AnthropicAdapter) Name() string { return "anthropic" }

func (AnthropicAdapter) Matches(h http.Header) bool {
	if strings.HasPrefix(bearerToken(h), "sk-ant-") {
		return true
	}
	return strings.HasPrefix(h.Get("x-api-key"), "sk-ant-")
}

func (AnthropicAdapter) Extract(h http.Header) (Credentials, error) {
	if t := bearerToken(h); strings.HasPrefix(t, "sk-ant-") {
		return Credentials{Type: TypeBearer, Token: t}, nil
	}
	if k := h.Get("x-api-key"); strings.HasPrefix(k, "sk-ant-") {
		return Credentials{Type: TypeAPIKey, Token: k}, nil
	}
	return Credentials{}, ErrAuthMissing
}

func (AnthropicAdapter) EnvCredentialed() bool {
	return os.Getenv(envVar("anthropic")) != ""
}

// OpenAIAdapter recognizes bare sk- bearer tokens. Registered after the
// anthropic and aggregator adapters so their longer prefixes win.
type OpenAIAdapter struct{}

func (OpenAIAdapter) Name() string { return "openai" }

func (OpenAIAdapter) Matches(h http.Header) bool {
	t := bearerToken(h)
	return strings.HasPrefix(t, "sk-") &&
		!strings.HasPrefix(t, "sk-ant-") && !strings.HasPrefix(t, "sk-or-")
}

func (OpenAIAdapter) Extract(h http.Header) (Credentials, error) {
	if t := bearerToken(h); strings.HasPrefix(t, "sk-") {
		return Credentials{Type: TypeBearer, Token: t}, nil
	}
	return Credentials{}, ErrAuthMissing
}

func (OpenAIAdapter) EnvCredentialed() bool {
	return os.Getenv(envVar("openai")) != ""
}

// GeminiAdapter recognizes AIza API keys (x-api-key or x-goog-api-key) and
// ya29. OAuth bearers.
type GeminiAdapter struct{}

func (GeminiAdapter) Name() string { return "gemini" }

func (GeminiAdapter) Matches(h http.Header) bool {
	if strings.HasPrefix(bearerToken(h), "ya29.") {
		return true
	}
	return strings.HasPrefix(geminiKey(h), "AIza")
}

func (GeminiAdapter) Extract(h http.Header) (Credentials, error) {
	if t := bearerToken(h); strings.HasPrefix(t, "ya29.") {
		return Credentials{Type: TypeBearer, Token: t, RefreshToken: h.Get("x-refresh-token")}, nil
	}
	if k := geminiKey(h); strings.HasPrefix(k, "AIza") {
		return Credentials{Type: TypeAPIKey, Token: k}, nil
	}
	return Credentials{}, ErrAuthMissing
}

func (GeminiAdapter) EnvCredentialed() bool {
	return os.Getenv(envVar("gemini")) != ""
}

func geminiKey(h http.Header) string {
	if k := h.Get("x-goog-api-key"); k != "" {
		return k
	}
	return h.Get("x-api-key")
}

// AggregatorAdapter recognizes sk-or- bearer tokens.
type AggregatorAdapter struct{}

func (AggregatorAdapter) Name() string { return "aggregator" }

func (AggregatorAdapter) Matches(h http.Header) bool {
	return strings.HasPrefix(bearerToken(h), "sk-or-")
}

func (AggregatorAdapter) Extract(h http.Header) (Credentials, error) {
	if t := bearerToken(h); strings.HasPrefix(t, "sk-or-") {
		return Credentials{Type: TypeBearer, Token: t}, nil
	}
	return Credentials{}, ErrAuthMissing
}

func (AggregatorAdapter) EnvCredentialed() bool {
	return os.Getenv(envVar("aggregator")) != ""
}
