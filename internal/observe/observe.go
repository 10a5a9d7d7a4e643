// Package observe keeps the per-decision records and the rolling-window
// aggregates the SLO gates and the admin API read from.
package observe

import (
	"sort"
	"sync"
	"time"
)

// Record is one completed decision+execution.
type Record struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id"`
	DecisionID        string    `json:"decision_id"`
	Bucket            string    `json:"bucket"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	Success           bool      `json:"success"`
	LatencyMs         float64   `json:"latency_ms"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	CostUSD           float64   `json:"cost_usd"`
	FallbackUsed      bool      `json:"fallback_used"`
	FallbackReason    string    `json:"fallback_reason,omitempty"`
	Anthropic429      bool      `json:"anthropic_429"`
	EmbeddingFallback bool      `json:"embedding_fallback"`
	Denied            bool      `json:"denied"`
	DeniedReason      string    `json:"denied_reason,omitempty"`
	// WinSignal is an externally supplied quality comparison against the
	// baseline route, nil when absent.
	WinSignal *float64 `json:"win_signal,omitempty"`
}

// Misfire reports a fallback that still failed.
func (r Record) Misfire() bool { return r.FallbackUsed && !r.Success }

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window          string             `json:"window"`
	RequestCount    int                `json:"request_count"`
	ErrorCount      int                `json:"error_count"`
	ErrorRate       float64            `json:"error_rate"`
	BucketShare     map[string]float64 `json:"bucket_share"`
	AvgLatencyMs    float64            `json:"avg_latency_ms"`
	P95LatencyMs    float64            `json:"p95_latency_ms"`
	P99LatencyMs    float64            `json:"p99_latency_ms"`
	MeanCostUSD     float64            `json:"mean_cost_usd"`
	P95CostUSD      float64            `json:"p95_cost_usd"`
	TotalCostUSD    float64            `json:"total_cost_usd"`
	Anthropic429s   int                `json:"anthropic_429s"`
	RateLimit429Pct float64            `json:"rate_limit_429_pct"`
	Escalations     int                `json:"escalations"`
	Misfires        int                `json:"misfires"`
	MisfireRate     float64            `json:"misfire_rate"`
	UptimePct       float64            `json:"uptime_pct"`
	WinRate         float64            `json:"win_rate"`
	WinSamples      int                `json:"win_samples"`
}

// Collector maintains rolling records for aggregation. Records older than
// the largest window are pruned on read.
type Collector struct {
	mu      sync.RWMutex
	records []Record
	maxAge  time.Duration
	windows []Window
	started time.Time

	// cooldowns reports the live cool-down count, nil when not wired.
	cooldowns func() int
}

// Option configures a Collector.
type Option func(*Collector)

// WithWindows overrides the aggregation windows.
func WithWindows(ws []Window) Option {
	return func(c *Collector) {
		c.windows = ws
		max := time.Duration(0)
		for _, w := range ws {
			if w.Duration > max {
				max = w.Duration
			}
		}
		c.maxAge = max + time.Hour
	}
}

// WithCooldownCount wires the live cool-down gauge source.
func WithCooldownCount(fn func() int) Option {
	return func(c *Collector) { c.cooldowns = fn }
}

// NewCollector creates a collector over the default windows.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour,
		started: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record adds a completed decision record.
func (c *Collector) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// Seed bulk-loads records, typically from the decision log on startup.
func (c *Collector) Seed(records []Record) {
	c.mu.Lock()
	c.records = append(c.records, records...)
	c.mu.Unlock()
}

// RecordCount returns the number of stored records.
func (c *Collector) RecordCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// CooldownsLive returns the live cool-down count, zero when unwired.
func (c *Collector) CooldownsLive() int {
	if c.cooldowns == nil {
		return 0
	}
	return c.cooldowns()
}

// recordsAfterPrune prunes expired records under the write lock and returns
// a copy of the survivors, so aggregation never races an append.
func (c *Collector) recordsAfterPrune() []Record {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	i := 0
	for i < len(c.records) && c.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.records = c.records[i:]
	}
	cp := make([]Record, len(c.records))
	copy(cp, c.records)
	c.mu.Unlock()
	return cp
}

// Summary returns one aggregate per configured window.
func (c *Collector) Summary() []Aggregate {
	records := c.recordsAfterPrune()
	now := time.Now()

	out := make([]Aggregate, 0, len(c.windows))
	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Record
		for _, r := range records {
			if r.Timestamp.After(cutoff) {
				snaps = append(snaps, r)
			}
		}
		out = append(out, computeAggregate(w, snaps))
	}
	return out
}

// WindowAggregate computes the aggregate for one named window; ok is false
// when the window is not configured.
func (c *Collector) WindowAggregate(name string) (Aggregate, bool) {
	for _, w := range c.windows {
		if w.Name != name {
			continue
		}
		records := c.recordsAfterPrune()
		cutoff := time.Now().Add(-w.Duration)
		var snaps []Record
		for _, r := range records {
			if r.Timestamp.After(cutoff) {
				snaps = append(snaps, r)
			}
		}
		return computeAggregate(w, snaps), true
	}
	return Aggregate{}, false
}

// Recent returns up to limit most-recent records, newest first.
func (c *Collector) Recent(limit int) []Record {
	records := c.recordsAfterPrune()
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]Record, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}
	return out
}

func computeAggregate(w Window, snaps []Record) Aggregate {
	a := Aggregate{
		Window:      w.Name,
		BucketShare: map[string]float64{},
		UptimePct:   100,
	}
	if len(snaps) == 0 {
		return a
	}

	latencies := make([]float64, 0, len(snaps))
	costs := make([]float64, 0, len(snaps))
	var latencySum, costSum, winSum float64
	buckets := map[string]int{}

	for _, s := range snaps {
		a.RequestCount++
		if !s.Success {
			a.ErrorCount++
		}
		if s.Misfire() {
			a.Misfires++
		}
		if s.Anthropic429 {
			a.Anthropic429s++
		}
		if s.Anthropic429 && s.FallbackUsed {
			a.Escalations++
		}
		if s.WinSignal != nil {
			winSum += *s.WinSignal
			a.WinSamples++
		}
		buckets[s.Bucket]++
		latencies = append(latencies, s.LatencyMs)
		latencySum += s.LatencyMs
		costs = append(costs, s.CostUSD)
		costSum += s.CostUSD
	}

	n := float64(a.RequestCount)
	a.ErrorRate = float64(a.ErrorCount) / n
	a.UptimePct = 100 * (1 - a.ErrorRate)
	a.MisfireRate = float64(a.Misfires) / n
	a.RateLimit429Pct = 100 * float64(a.Anthropic429s) / n
	a.AvgLatencyMs = latencySum / n
	a.MeanCostUSD = costSum / n
	a.TotalCostUSD = costSum
	for b, cnt := range buckets {
		a.BucketShare[b] = float64(cnt) / n
	}
	if a.WinSamples > 0 {
		a.WinRate = winSum / float64(a.WinSamples)
	}

	sort.Float64s(latencies)
	sort.Float64s(costs)
	a.P95LatencyMs = percentile(latencies, 0.95)
	a.P99LatencyMs = percentile(latencies, 0.99)
	a.P95CostUSD = percentile(costs, 0.95)
	return a
}

// percentile expects sorted values and uses nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
