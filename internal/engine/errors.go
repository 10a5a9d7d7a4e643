// Package engine executes routing decisions: auth resolution, the provider
// call, and the typed fallback protocol including the anthropic rate-limit
// reroute and cool-down.
package engine

import "fmt"

// ErrKind is the failure taxonomy the fallback protocol dispatches on.
type ErrKind string

const (
	// AuthMissing: no usable credentials for the target provider.
	// Non-retryable; fallback only to env-credentialed providers.
	AuthMissing ErrKind = "auth_missing"
	// AuthInvalid: credentials rejected (401/403). Non-retryable.
	AuthInvalid ErrKind = "auth_invalid"
	// ContextOverflow: prompt exceeded the model's window. Recoverable
	// once via long-context re-selection.
	ContextOverflow ErrKind = "context_overflow"
	// RateLimit: 429 (or anthropic 529). Anthropic-kind triggers the
	// cool-down and immediate reroute; others fall through with backoff.
	RateLimit ErrKind = "rate_limit"
	// ProviderTransient: 5xx, timeout, connection failure. Retryable.
	ProviderTransient ErrKind = "provider_transient"
	// ProviderPermanent: other 4xx, content filter. Not retried.
	ProviderPermanent ErrKind = "provider_permanent"
	// ArtifactUnavailable: no artifact could be loaded; the emergency
	// artifact keeps serving.
	ArtifactUnavailable ErrKind = "artifact_unavailable"
	// EmbeddingBackendUnavailable: all remote embedding backends down;
	// deterministic embedding substituted.
	EmbeddingBackendUnavailable ErrKind = "embedding_backend_unavailable"
	// BudgetExceeded: the extraction deadline expired; degraded features
	// substituted.
	BudgetExceeded ErrKind = "budget_exceeded"
)

// Error is a classified execution failure.
type Error struct {
	Kind ErrKind
	// Status is the provider HTTP status, zero when not HTTP-shaped.
	Status int
	// RetryAfterSecs carries the provider's retry hint, zero when absent.
	RetryAfterSecs int
	// Provider is the provider kind the failure came from.
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the fallback protocol may try another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case RateLimit, ProviderTransient:
		return true
	default:
		return false
	}
}

// IsRateLimit reports a 429-class failure.
func (e *Error) IsRateLimit() bool { return e.Kind == RateLimit }
