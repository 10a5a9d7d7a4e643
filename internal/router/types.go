// Package router makes the routing decision: triage probabilities in,
// ordered provider/model choice out. It orchestrates the feature extractor,
// the triage classifier, the bucket policy, and the alpha-score selector
// against one consistent artifact captured at entry.
package router

import (
	"github.com/modelmux/modelmux/internal/triage"
)

// Kind identifies a provider shape.
type Kind string

const (
	KindAnthropic  Kind = "anthropic"
	KindOpenAI     Kind = "openai"
	KindGemini     Kind = "gemini"
	KindAggregator Kind = "aggregator"
)

// Thinking carries the provider-specific reasoning-depth parameter. Exactly
// one of Effort/Budget is meaningful, per the model's thinking type.
type Thinking struct {
	Effort string `json:"effort,omitempty"` // low | medium | high
	Budget int    `json:"budget,omitempty"` // tokens, clamped to catalog ranges
}

// ProviderPrefs are passed through to the aggregator provider.
type ProviderPrefs struct {
	Sort           string  `json:"sort,omitempty"`
	MaxPrice       float64 `json:"max_price,omitempty"`
	AllowFallbacks bool    `json:"allow_fallbacks"`
}

// Candidate is one scored model in selector order.
type Candidate struct {
	Slug  string  `json:"slug"`
	Kind  Kind    `json:"kind"`
	Score float64 `json:"score"`
}

// Decision is the pure routing output: everything the execution engine
// needs, nothing it mutates.
type Decision struct {
	ID              string        `json:"id"`
	Bucket          triage.Bucket `json:"bucket"`
	Probs           triage.Probs  `json:"probs"`
	Provider        Kind          `json:"provider"`
	Model           string        `json:"model"`
	Thinking        Thinking      `json:"thinking"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	Prefs           ProviderPrefs `json:"prefs"`
	Fallbacks       []Candidate   `json:"fallbacks"`
	ArtifactVersion string        `json:"artifact_version"`
	Fingerprint     string        `json:"fingerprint"`
	GuardrailForced bool          `json:"guardrail_forced,omitempty"`
	CooldownApplied bool          `json:"cooldown_applied,omitempty"`
}

// BucketDefaults map a bucket to its thinking parameters. Budget-style
// models clamp the budget to their catalog ranges; effort-style models use
// the effort string.
type BucketDefaults struct {
	Effort string
	Budget int
}

// Config is the routing configuration surface. Zero values fall back to the
// artifact (alpha, thresholds, penalties) or to package defaults.
type Config struct {
	// Alpha overrides the artifact's alpha when in (0, 1]. Negative or
	// zero means use the artifact.
	Alpha float64
	// ThresholdCheap / ThresholdHard override the artifact's thresholds
	// when > 0.
	ThresholdCheap float64
	ThresholdHard  float64
	// TopP is the fallback-list breadth. Zero means 3.
	TopP int
	// PenaltyLatencySD / PenaltyCtxOver80 override artifact penalties
	// when > 0.
	PenaltyLatencySD float64
	PenaltyCtxOver80 float64
	// LongContextTrigger forces the hard bucket at or above this token
	// count. Zero means 200 000.
	LongContextTrigger int
	// LongContextFloor is the minimum input context for guardrail
	// candidates. Zero means 1 000 000.
	LongContextFloor int

	// Candidate slugs per bucket, in preference order.
	CheapCandidates []string
	MidCandidates   []string
	HardCandidates  []string

	// ExcludeAuthors drops aggregator models whose author matches.
	ExcludeAuthors []string
	// AggregatorPrefs are forwarded on aggregator decisions.
	AggregatorPrefs ProviderPrefs

	// Defaults per bucket for thinking parameters. Cheap runs without
	// thinking.
	MidDefaults  BucketDefaults
	HardDefaults BucketDefaults
}

func (c Config) topP() int {
	if c.TopP <= 0 {
		return 3
	}
	return c.TopP
}

func (c Config) longContextTrigger() int {
	if c.LongContextTrigger <= 0 {
		return 200_000
	}
	return c.LongContextTrigger
}

func (c Config) longContextFloor() int {
	if c.LongContextFloor <= 0 {
		return 1_000_000
	}
	return c.LongContextFloor
}

func (c Config) candidates(b triage.Bucket) []string {
	switch b {
	case triage.Cheap:
		return c.CheapCandidates
	case triage.Hard:
		return c.HardCandidates
	default:
		return c.MidCandidates
	}
}
