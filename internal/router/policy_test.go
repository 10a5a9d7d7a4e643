package router

import (
	"testing"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/triage"
)

type fakeCatalog map[string]catalog.Model

func (fc fakeCatalog) Lookup(slug string) (catalog.Model, bool) {
	m, ok := fc[slug]
	return m, ok
}

func testCatalog() fakeCatalog {
	return fakeCatalog{
		"m-cheap": {Slug: "m-cheap", Provider: "gemini", CtxIn: 1_048_576},
		"m-mid": {Slug: "m-mid", Provider: "anthropic", CtxIn: 200_000,
			Params: catalog.Params{Thinking: catalog.Thinking{Type: "budget",
				Ranges: catalog.ThinkingRanges{Low: 1024, Medium: 8192, High: 20_000, Max: 32_000}}}},
		"m-hard": {Slug: "m-hard", Provider: "openai", CtxIn: 400_000,
			Params: catalog.Params{Thinking: catalog.Thinking{Type: "effort"}}},
		"m-long": {Slug: "m-long", Provider: "gemini", CtxIn: 1_048_576,
			Params: catalog.Params{Thinking: catalog.Thinking{Type: "budget",
				Ranges: catalog.ThinkingRanges{Low: 128, Medium: 8192, High: 24_576, Max: 24_576}}}},
		"deepseek/deepseek-r1": {Slug: "deepseek/deepseek-r1", Provider: "aggregator", CtxIn: 163_840},
	}
}

func testConfig() Config {
	return Config{
		CheapCandidates: []string{"m-cheap"},
		MidCandidates:   []string{"m-mid", "m-cheap", "deepseek/deepseek-r1"},
		HardCandidates:  []string{"m-hard", "m-long", "m-mid"},
		MidDefaults:     BucketDefaults{Effort: "medium", Budget: 8192},
		HardDefaults:    BucketDefaults{Effort: "high", Budget: 20_000},
	}
}

func TestPickThresholds(t *testing.T) {
	cat := testCatalog()
	cfg := testConfig()
	cases := []struct {
		name  string
		probs triage.Probs
		want  triage.Bucket
	}{
		{"cheap above cutoff", triage.Probs{Cheap: 0.70, Mid: 0.20, Hard: 0.10}, triage.Cheap},
		{"cheap at cutoff", triage.Probs{Cheap: 0.62, Mid: 0.28, Hard: 0.10}, triage.Cheap},
		{"hard above cutoff", triage.Probs{Cheap: 0.10, Mid: 0.30, Hard: 0.60}, triage.Hard},
		{"mid by default", triage.Probs{Cheap: 0.40, Mid: 0.35, Hard: 0.25}, triage.Mid},
		{"cheap wins over hard", triage.Probs{Cheap: 0.62, Mid: 0.0, Hard: 0.38}, triage.Cheap},
	}
	for _, tc := range cases {
		s := Pick(tc.probs, features.Features{TokenCount: 100}, cfg, cat, 0.62, 0.58)
		if s.Bucket != tc.want {
			t.Errorf("%s: bucket = %s, want %s", tc.name, s.Bucket, tc.want)
		}
		if s.GuardrailForced {
			t.Errorf("%s: guardrail forced without long context", tc.name)
		}
	}
}

func TestPickContextGuardrail(t *testing.T) {
	cat := testCatalog()
	cfg := testConfig()
	probs := triage.Probs{Cheap: 0.90, Mid: 0.05, Hard: 0.05}

	s := Pick(probs, features.Features{TokenCount: 250_000}, cfg, cat, 0.62, 0.58)
	if s.Bucket != triage.Hard || !s.GuardrailForced {
		t.Fatalf("bucket = %s forced = %v, want hard/forced", s.Bucket, s.GuardrailForced)
	}
	for _, m := range s.Models {
		if m.CtxIn < 1_000_000 {
			t.Errorf("guardrail shortlist kept %s with ctx_in %d", m.Slug, m.CtxIn)
		}
	}

	// The boundary value itself is long context.
	s = Pick(probs, features.Features{TokenCount: 200_000}, cfg, cat, 0.62, 0.58)
	if !s.GuardrailForced || s.Bucket != triage.Hard {
		t.Errorf("boundary token count: bucket = %s forced = %v", s.Bucket, s.GuardrailForced)
	}

	// One token under stays with the classifier.
	s = Pick(probs, features.Features{TokenCount: 199_999}, cfg, cat, 0.62, 0.58)
	if s.GuardrailForced {
		t.Errorf("guardrail fired below the trigger")
	}
	if s.Bucket != triage.Cheap {
		t.Errorf("bucket = %s, want cheap", s.Bucket)
	}
}

func TestPickDropsUndersizedContext(t *testing.T) {
	cat := testCatalog()
	cfg := testConfig()
	probs := triage.Probs{Cheap: 0.10, Mid: 0.80, Hard: 0.10}

	s := Pick(probs, features.Features{TokenCount: 180_000}, cfg, cat, 0.62, 0.58)
	for _, m := range s.Models {
		if m.Slug == "deepseek/deepseek-r1" {
			t.Errorf("kept %s whose ctx_in is below the token count", m.Slug)
		}
	}
}

func TestPickAuthorExclusionAggregatorOnly(t *testing.T) {
	cat := testCatalog()
	cfg := testConfig()
	cfg.ExcludeAuthors = []string{"deepseek"}
	probs := triage.Probs{Cheap: 0.10, Mid: 0.80, Hard: 0.10}

	s := Pick(probs, features.Features{TokenCount: 100}, cfg, cat, 0.62, 0.58)
	for _, m := range s.Models {
		if m.Slug == "deepseek/deepseek-r1" {
			t.Errorf("excluded author survived on the aggregator path")
		}
	}

	// The same author served first-party is unaffected.
	cat["deepseek-direct"] = catalog.Model{Slug: "deepseek-direct", Provider: "openai", Author: "deepseek", CtxIn: 200_000}
	cfg.MidCandidates = append(cfg.MidCandidates, "deepseek-direct")
	s = Pick(probs, features.Features{TokenCount: 100}, cfg, cat, 0.62, 0.58)
	found := false
	for _, m := range s.Models {
		if m.Slug == "deepseek-direct" {
			found = true
		}
	}
	if !found {
		t.Errorf("author exclusion dropped a first-party model")
	}
}

func TestExcludeKindsFilter(t *testing.T) {
	cat := testCatalog()
	cfg := testConfig()
	probs := triage.Probs{Cheap: 0.10, Mid: 0.80, Hard: 0.10}

	s := Pick(probs, features.Features{TokenCount: 100}, cfg, cat, 0.62, 0.58, ExcludeKinds(KindAnthropic))
	for _, m := range s.Models {
		if m.Provider == string(KindAnthropic) {
			t.Errorf("anthropic model %s survived exclusion", m.Slug)
		}
	}
	if len(s.Models) == 0 {
		t.Fatalf("exclusion emptied the shortlist")
	}
}

func TestPickUnknownSlugSkipped(t *testing.T) {
	cat := testCatalog()
	cfg := testConfig()
	cfg.MidCandidates = []string{"not-in-catalog", "m-mid"}
	probs := triage.Probs{Cheap: 0.10, Mid: 0.80, Hard: 0.10}

	s := Pick(probs, features.Features{TokenCount: 100}, cfg, cat, 0.62, 0.58)
	if len(s.Models) != 1 || s.Models[0].Slug != "m-mid" {
		t.Errorf("shortlist = %v, want only m-mid", s.Models)
	}
}
