package catalog

// Model is one capability record served by the catalog collaborator.
type Model struct {
	Slug     string  `json:"slug"`
	Provider string  `json:"provider"` // provider kind: anthropic, openai, gemini, aggregator
	Author   string  `json:"author,omitempty"`
	Family   string  `json:"family"`
	CtxIn    int     `json:"ctx_in"`
	CtxOut   int     `json:"ctx_out"`
	Params   Params  `json:"params"`
	Pricing  Pricing `json:"pricing"`
}

// Params describes request-shaping capabilities.
type Params struct {
	Thinking Thinking `json:"thinking"`
	JSON     bool     `json:"json"`
	Tools    bool     `json:"tools"`
}

// Thinking describes how a model exposes reasoning depth. Type is "effort"
// (enum low/medium/high), "budget" (integer token budget clamped to Ranges),
// or empty when the model has no thinking control.
type Thinking struct {
	Type   string         `json:"type,omitempty"`
	Ranges ThinkingRanges `json:"ranges,omitempty"`
}

// ThinkingRanges are the per-model budget anchors. Only meaningful for
// budget-style thinking; treated as authoritative for clamping.
type ThinkingRanges struct {
	Low    int `json:"low,omitempty"`
	Medium int `json:"medium,omitempty"`
	High   int `json:"high,omitempty"`
	Max    int `json:"max,omitempty"`
}

// Pricing is USD per million tokens.
type Pricing struct {
	InPerMillion  float64 `json:"in_per_million"`
	OutPerMillion float64 `json:"out_per_million"`
}

// Health is the catalog collaborator's liveness report.
type Health struct {
	Status      string `json:"status"`
	ModelCount  int    `json:"model_count"`
	LastRefresh string `json:"last_refresh,omitempty"`
}

// CostUSD computes the price of a call from token counts.
func (m Model) CostUSD(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1e6*m.Pricing.InPerMillion +
		float64(completionTokens)/1e6*m.Pricing.OutPerMillion
}

// AuthorOrPrefix returns the explicit author, falling back to the slug's
// namespace prefix ("deepseek/deepseek-r1" → "deepseek"). Aggregator entries
// rely on this for author exclusion.
func (m Model) AuthorOrPrefix() string {
	if m.Author != "" {
		return m.Author
	}
	for i := 0; i < len(m.Slug); i++ {
		if m.Slug[i] == '/' {
			return m.Slug[:i]
		}
	}
	return ""
}
