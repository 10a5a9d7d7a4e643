// Package health tracks per-provider-kind availability from request
// outcomes. The tracker feeds the selector's latency deviation hint and the
// engine's skip list for rate-limited providers.
package health

import (
	"math"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/events"
)

// State represents the health state of a provider kind.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats captures runtime health metrics for a single provider kind.
type Stats struct {
	Provider         string    `json:"provider"`
	State            State     `json:"state"`
	TotalRequests    int64     `json:"total_requests"`
	TotalErrors      int64     `json:"total_errors"`
	ConsecErrors     int       `json:"consec_errors"`
	AvgLatencyMs     float64   `json:"avg_latency_ms"`
	LatencySDMs      float64   `json:"latency_sd_ms"`
	LastError        string    `json:"last_error,omitempty"`
	LastErrorTime    time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt    time.Time `json:"last_success_at,omitempty"`
	DownUntil        time.Time `json:"down_until,omitempty"`
	RateLimitedUntil time.Time `json:"rate_limited_until,omitempty"`

	latencyVar float64
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: consecutive errors before down state.
	ConsecErrorsForDown int
	// DownDuration: how long a down provider stays out of rotation.
	DownDuration time.Duration
	// RateLimitWindow: how long a 429-marked provider is skipped.
	RateLimitWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		DownDuration:            30 * time.Second,
		RateLimitWindow:         30 * time.Second,
	}
}

// Tracker tracks runtime health of all provider kinds.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(provider string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus so state transitions are published as
// health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.EventBus = bus
	}
}

// WithOnUpdate registers a callback invoked on every record call (not just
// state transitions). Use this to keep external gauges current.
func WithOnUpdate(fn func(provider string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful request to a provider kind.
func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.DownUntil = time.Time{}

	// Exponentially weighted mean and variance.
	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		dev := latencyMs - s.AvgLatencyMs
		s.AvgLatencyMs += dev * 0.1
		s.latencyVar = s.latencyVar*0.9 + dev*dev*0.1
		s.LatencySDMs = math.Sqrt(s.latencyVar)
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(provider, oldState, newState, "success recorded")
}

// RecordError records a failed request to a provider kind.
func (t *Tracker) RecordError(provider string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.DownUntil = time.Now().Add(t.cfg.DownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(provider, oldState, newState, errMsg)
}

// MarkRateLimited puts a provider kind out of rotation for the configured
// window. Used for non-anthropic 429s; anthropic gets the cool-down ledger.
func (t *Tracker) MarkRateLimited(provider string) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State
	s.RateLimitedUntil = time.Now().Add(t.cfg.RateLimitWindow)
	if s.State == StateHealthy {
		s.State = StateDegraded
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(provider, oldState, newState, "rate limited")
}

func (t *Tracker) notify(provider string, oldState, newState State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(provider, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:     events.EventHealthChange,
			Provider: provider,
			OldState: string(oldState),
			NewState: string(newState),
			Reason:   reason,
		})
	}
}

// IsAvailable returns whether a provider kind should receive requests.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return true // unknown provider is assumed available
	}
	now := time.Now()
	if s.State == StateDown && now.Before(s.DownUntil) {
		return false
	}
	if now.Before(s.RateLimitedUntil) {
		return false
	}
	return true
}

// LatencySDHint returns the normalized latency deviation for a provider
// kind, the penalty input for the selector. Healthy providers with steady
// latency score near zero; degraded and down states add a constant offset.
func (t *Tracker) LatencySDHint(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return 0
	}
	hint := 0.0
	if s.AvgLatencyMs > 0 {
		hint = s.LatencySDMs / s.AvgLatencyMs
		if hint > 1 {
			hint = 1
		}
	}
	switch s.State {
	case StateDegraded:
		hint += 0.5
	case StateDown:
		hint += 1
	}
	return hint
}

// GetStats returns a copy of the health stats for a provider kind.
func (t *Tracker) GetStats(provider string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return &Stats{Provider: provider, State: StateHealthy}
	}
	cp := *s
	return &cp
}

// AllStats returns a copy of health stats for all known provider kinds.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	return result
}

// GetAvgLatencyMs returns the average latency for a provider kind.
func (t *Tracker) GetAvgLatencyMs(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok {
		return s.AvgLatencyMs
	}
	return 0
}

// GetErrorRate returns the error rate for a provider kind.
func (t *Tracker) GetErrorRate(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
