package router

import (
	"sort"

	"github.com/modelmux/modelmux/internal/artifact"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/features"
)

// defaultQuality is the conservative mean substituted when a model has no
// quality row for the request's cluster.
const defaultQuality = 0.5

// defaultCost mirrors defaultQuality for models missing from chat.
const defaultCost = 0.5

// LatencyHinter supplies the normalized latency-deviation hint per provider
// kind. The health tracker implements it; a nil hinter means zero hints.
type LatencyHinter interface {
	LatencySDHint(provider string) float64
}

// Score ranks the shortlist by alpha-weighted quality minus cost minus
// penalties. The order is total and deterministic: ties break by ascending
// cost, then by shortlist position. Re-scoring an identical input yields an
// identical order.
func Score(models []catalog.Model, f features.Features, a *artifact.Artifact, cfg Config, hinter LatencyHinter) []Candidate {
	alpha := a.Alpha
	if cfg.Alpha > 0 {
		alpha = cfg.Alpha
	}
	penLatency := a.Penalties.LatencySD
	if cfg.PenaltyLatencySD > 0 {
		penLatency = cfg.PenaltyLatencySD
	}
	penCtx := a.Penalties.CtxOver80Pct
	if cfg.PenaltyCtxOver80 > 0 {
		penCtx = cfg.PenaltyCtxOver80
	}

	type scored struct {
		cand Candidate
		cost float64
		pos  int
	}
	out := make([]scored, 0, len(models))
	for i, m := range models {
		q, ok := a.Quality(m.Slug, f.ClusterID)
		if !ok {
			q = defaultQuality
		}
		c, ok := a.Cost(m.Slug)
		if !ok {
			c = defaultCost
		}
		pen := 0.0
		if hinter != nil {
			pen += penLatency * hinter.LatencySDHint(m.Provider)
		}
		if f.ContextRatio > 0.8 {
			pen += penCtx
		}
		out = append(out, scored{
			cand: Candidate{
				Slug:  m.Slug,
				Kind:  Kind(m.Provider),
				Score: alpha*q - (1-alpha)*c - pen,
			},
			cost: c,
			pos:  i,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].cand.Score != out[j].cand.Score {
			return out[i].cand.Score > out[j].cand.Score
		}
		if out[i].cost != out[j].cost {
			return out[i].cost < out[j].cost
		}
		return out[i].pos < out[j].pos
	})

	ranked := make([]Candidate, len(out))
	for i, s := range out {
		ranked[i] = s.cand
	}
	return ranked
}
