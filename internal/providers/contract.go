// Package providers holds the shared HTTP plumbing and wire types the
// provider adapters build on. Payloads pass through provider-shaped; only
// auth and thinking parameters are translated.
package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Message is one chat turn in the inbound OpenAI-shaped request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized call an adapter turns into its provider's wire
// format.
type Request struct {
	Model    string
	Messages []Message
	// ThinkingEffort is low/medium/high for effort-style models.
	ThinkingEffort string
	// ThinkingBudget is the token budget for budget-style models, already
	// clamped to the model's catalog ranges.
	ThinkingBudget int
	MaxTokens      int
	// Prefs is forwarded to aggregator providers as their routing
	// preference object; other adapters ignore it.
	Prefs *RoutePrefs
	// Extra carries caller parameters forwarded untouched (temperature,
	// top_p and the like).
	Extra map[string]any
}

// RoutePrefs is the aggregator's provider-routing preference object.
type RoutePrefs struct {
	Sort           string  `json:"sort,omitempty"`
	MaxPrice       float64 `json:"max_price,omitempty"`
	AllowFallbacks bool    `json:"allow_fallbacks"`
}

// Response is a completed provider call. Body is the provider's raw
// response; token counts are parsed out for costing and may be zero when
// the provider omitted usage.
type Response struct {
	Body             []byte
	PromptTokens     int
	CompletionTokens int
}

// StatusError captures a non-2xx provider response. Adapters classify it
// into the engine taxonomy.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter fills RetryAfterSecs from a Retry-After header value,
// either delta-seconds or an HTTP date. Unparseable values are ignored.
func (e *StatusError) ParseRetryAfter(v string) {
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Seconds() + 0.5)
		}
	}
}
