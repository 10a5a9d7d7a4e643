package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SLOConfig holds the gate thresholds. Zero disables optional gates.
type SLOConfig struct {
	P95Ms          float64 `json:"p95_ms"`
	MaxMisfireRate float64 `json:"max_misfire_rate"`
	MinUptimePct   float64 `json:"min_uptime_pct"`
	MaxCostPerTask float64 `json:"max_cost_per_task"`
	MinWinRate     float64 `json:"min_win_rate"`
	WebhookURL     string  `json:"-"`
}

// DefaultSLOConfig returns the deployment gate thresholds.
func DefaultSLOConfig() SLOConfig {
	return SLOConfig{
		P95Ms:          2500,
		MaxMisfireRate: 0.05,
		MinUptimePct:   99.5,
	}
}

// Gate is one evaluated SLO gate.
type Gate struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Blocking  bool    `json:"blocking"`
	Pass      bool    `json:"pass"`
}

// SLOReport is the deployment validator's answer.
type SLOReport struct {
	GeneratedAt   time.Time `json:"generated_at"`
	Window        string    `json:"window"`
	RequestCount  int       `json:"request_count"`
	Healthy       bool      `json:"healthy"`
	Gates         []Gate    `json:"gates"`
	CooldownsLive int       `json:"cooldowns_live"`
}

// Gatekeeper evaluates SLO gates over a collector window and fires the
// alert webhook on a blocking breach.
type Gatekeeper struct {
	cfg       SLOConfig
	collector *Collector
	window    string
	client    *http.Client
	logger    *slog.Logger

	mu        sync.Mutex
	lastAlert time.Time
}

// alertDebounce keeps a flapping gate from hammering the webhook.
const alertDebounce = 5 * time.Minute

// NewGatekeeper evaluates gates over the named collector window.
func NewGatekeeper(cfg SLOConfig, collector *Collector, window string, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{
		cfg:       cfg,
		collector: collector,
		window:    window,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// Evaluate computes the current SLO report. An empty window passes all
// gates; there is nothing to breach on.
func (g *Gatekeeper) Evaluate() SLOReport {
	agg, ok := g.collector.WindowAggregate(g.window)
	if !ok {
		agg = Aggregate{Window: g.window, UptimePct: 100}
	}

	report := SLOReport{
		GeneratedAt:   time.Now().UTC(),
		Window:        agg.Window,
		RequestCount:  agg.RequestCount,
		CooldownsLive: g.collector.CooldownsLive(),
		Healthy:       true,
	}

	add := func(name string, value, threshold float64, blocking, pass bool) {
		report.Gates = append(report.Gates, Gate{
			Name: name, Value: value, Threshold: threshold,
			Blocking: blocking, Pass: pass,
		})
		if blocking && !pass {
			report.Healthy = false
		}
	}

	empty := agg.RequestCount == 0
	add("latency_p95_ms", agg.P95LatencyMs, g.cfg.P95Ms, true,
		empty || agg.P95LatencyMs <= g.cfg.P95Ms)
	add("misfire_rate", agg.MisfireRate, g.cfg.MaxMisfireRate, true,
		empty || agg.MisfireRate <= g.cfg.MaxMisfireRate)
	add("uptime_pct", agg.UptimePct, g.cfg.MinUptimePct, true,
		empty || agg.UptimePct >= g.cfg.MinUptimePct)
	if g.cfg.MaxCostPerTask > 0 {
		add("cost_per_task_usd", agg.MeanCostUSD, g.cfg.MaxCostPerTask, false,
			empty || agg.MeanCostUSD <= g.cfg.MaxCostPerTask)
	}
	if g.cfg.MinWinRate > 0 {
		add("win_rate", agg.WinRate, g.cfg.MinWinRate, false,
			agg.WinSamples == 0 || agg.WinRate >= g.cfg.MinWinRate)
	}
	return report
}

// Check evaluates the gates and fires the alert webhook on a blocking
// breach, debounced.
func (g *Gatekeeper) Check(ctx context.Context) SLOReport {
	report := g.Evaluate()
	if report.Healthy || g.cfg.WebhookURL == "" {
		return report
	}

	g.mu.Lock()
	due := time.Since(g.lastAlert) >= alertDebounce
	if due {
		g.lastAlert = time.Now()
	}
	g.mu.Unlock()
	if !due {
		return report
	}

	if err := g.alert(ctx, report); err != nil {
		g.logger.Warn("slo alert webhook failed", slog.String("error", err.Error()))
	}
	return report
}

func (g *Gatekeeper) alert(ctx context.Context, report SLOReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*2) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := g.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, g.cfg.WebhookURL)
	}
	return fmt.Errorf("alert failed after 3 attempts: %w", lastErr)
}
