package router

import (
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/triage"
)

// Shortlist is the policy output: the chosen bucket and the candidate models
// that survive the guardrails and filters, in configured preference order.
type Shortlist struct {
	Bucket          triage.Bucket
	Models          []catalog.Model
	GuardrailForced bool
}

// Catalog is the read surface the policy needs. *catalog.Client satisfies
// it; tests use a map-backed fake.
type Catalog interface {
	Lookup(slug string) (catalog.Model, bool)
}

// Filter removes candidates after the bucket filters ran. Cool-down and
// reroute exclusions are composed through this.
type Filter func(catalog.Model) bool

// ExcludeKinds builds a filter dropping models of the given provider kinds.
func ExcludeKinds(kinds ...Kind) Filter {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[string(k)] = true
	}
	return func(m catalog.Model) bool { return !set[m.Provider] }
}

// Pick applies the policy rules in order: context guardrail, cheap
// threshold, hard threshold, default mid. The returned shortlist is already
// filtered by catalog presence, context capacity, author exclusion, and the
// supplied extra filters.
func Pick(probs triage.Probs, f features.Features, cfg Config, cat Catalog, thresholdCheap, thresholdHard float64, extra ...Filter) Shortlist {
	// Rule 1: the context guardrail overrides the classifier entirely.
	if f.TokenCount >= cfg.longContextTrigger() {
		s := Shortlist{Bucket: triage.Hard, GuardrailForced: true}
		s.Models = filterCandidates(cfg.candidates(triage.Hard), f, cfg, cat, true, extra)
		return s
	}

	bucket := triage.Mid
	switch {
	case probs.Cheap >= thresholdCheap:
		bucket = triage.Cheap
	case probs.Hard >= thresholdHard:
		bucket = triage.Hard
	}

	s := Shortlist{Bucket: bucket}
	s.Models = filterCandidates(cfg.candidates(bucket), f, cfg, cat, false, extra)
	return s
}

func filterCandidates(slugs []string, f features.Features, cfg Config, cat Catalog, longContext bool, extra []Filter) []catalog.Model {
	excluded := make(map[string]bool, len(cfg.ExcludeAuthors))
	for _, a := range cfg.ExcludeAuthors {
		excluded[a] = true
	}

	var out []catalog.Model
	for _, slug := range slugs {
		m, ok := cat.Lookup(slug)
		if !ok {
			continue
		}
		if m.CtxIn < f.TokenCount {
			continue
		}
		if longContext && m.CtxIn < cfg.longContextFloor() {
			continue
		}
		// Author exclusion applies only to aggregator-routed models; the
		// same model served by its first-party provider is not excluded.
		if m.Provider == string(KindAggregator) && excluded[m.AuthorOrPrefix()] {
			continue
		}
		keep := true
		for _, filter := range extra {
			if !filter(m) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, m)
		}
	}
	return out
}
