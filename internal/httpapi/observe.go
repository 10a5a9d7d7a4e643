package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/observe"
	"github.com/modelmux/modelmux/internal/router"
)

// winRateHeader optionally carries an external quality signal in [0,1]
// for the record.
const winRateHeader = "X-Modelmux-Win-Rate"

// buildRecord assembles the observability record for one completed
// decision+execution. Cost comes from catalog pricing times the parsed
// token usage.
func buildRecord(d Dependencies, decision router.Decision, feats features.Features, res engine.Result, reqID string, success bool, latencyMs float64) observe.Record {
	rec := observe.Record{
		Timestamp:         time.Now().UTC(),
		RequestID:         reqID,
		DecisionID:        decision.ID,
		Bucket:            string(decision.Bucket),
		Provider:          res.Provider,
		Model:             res.Model,
		Success:           success,
		LatencyMs:         latencyMs,
		PromptTokens:      res.Response.PromptTokens,
		CompletionTokens:  res.Response.CompletionTokens,
		FallbackUsed:      res.FallbackUsed,
		FallbackReason:    res.FallbackReason,
		Anthropic429:      res.Anthropic429,
		EmbeddingFallback: feats.EmbeddingFallback,
	}
	if d.Catalog != nil && res.Model != "" {
		if m, ok := d.Catalog.Lookup(res.Model); ok {
			rec.CostUSD = m.CostUSD(rec.PromptTokens, rec.CompletionTokens)
		}
	}
	return rec
}

// recordObservability writes a completed request result to every configured
// sink: the decision log, the in-memory windows, Prometheus, and the event
// bus. Each sink is skipped when its dependency is nil.
func recordObservability(d Dependencies, r *http.Request, rec observe.Record, decision router.Decision) {
	if r != nil {
		if v := r.Header.Get(winRateHeader); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
				rec.WinSignal = &f
			}
		}
	}

	if d.Observer != nil {
		d.Observer.Record(rec)
	}

	if d.Metrics != nil {
		status := "ok"
		if rec.Denied {
			status = "denied"
		} else if !rec.Success {
			status = "error"
		}
		d.Metrics.DecisionsTotal.WithLabelValues(rec.Bucket, rec.Model, rec.Provider, status).Inc()
		if rec.Success && rec.CostUSD > 0 {
			d.Metrics.CostUSD.WithLabelValues(rec.Model, rec.Provider).Add(rec.CostUSD)
		}
		if d.Cooldowns != nil {
			d.Metrics.CooldownsLive.Set(float64(d.Cooldowns.LiveCount()))
		}
	}

	if d.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.Store.LogDecision(ctx, rec); err != nil {
			d.logger().Warn("decision log write failed", "error", err)
		}
	}

	if d.EventBus != nil {
		typ := events.EventDecision
		if rec.Denied {
			typ = events.EventPolicyDenied
		}
		d.EventBus.Publish(events.Event{
			Type:            typ,
			RequestID:       rec.RequestID,
			DecisionID:      rec.DecisionID,
			Bucket:          rec.Bucket,
			Model:           rec.Model,
			Provider:        rec.Provider,
			LatencyMs:       rec.LatencyMs,
			CostUSD:         rec.CostUSD,
			Reason:          rec.FallbackReason,
			ErrorMsg:        rec.DeniedReason,
			ArtifactVersion: decision.ArtifactVersion,
			Fingerprint:     decision.Fingerprint,
		})
	}
}
