package router

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/modelmux/modelmux/internal/artifact"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/features"
)

func scoringArtifact(t *testing.T, version string, alpha float64) *artifact.Artifact {
	t.Helper()
	raw := fmt.Sprintf(`{
		"version": %q,
		"centroids": [[1,0],[0,1]],
		"alpha": %v,
		"thresholds": {"cheap": 0.62, "hard": 0.58},
		"penalties": {"latency_sd": 0.05, "ctx_over_80pct": 0.1},
		"qhat": {"m-cheap": [0.4, 0.4], "m-mid": [0.7, 0.7], "m-hard": [0.9, 0.9]},
		"chat": {"m-cheap": 0.1, "m-mid": 0.4, "m-hard": 0.8},
		"gbdt": {"framework": "heuristic", "blob": "", "feature_schema": []}
	}`, version, alpha)
	a, err := artifact.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return a
}

func scoringModels() []catalog.Model {
	return []catalog.Model{
		{Slug: "m-hard", Provider: "openai", CtxIn: 400_000},
		{Slug: "m-mid", Provider: "anthropic", CtxIn: 200_000},
		{Slug: "m-cheap", Provider: "gemini", CtxIn: 1_048_576},
	}
}

func slugs(ranked []Candidate) []string {
	out := make([]string, len(ranked))
	for i, c := range ranked {
		out[i] = c.Slug
	}
	return out
}

func TestScoreAlphaOneRanksByQuality(t *testing.T) {
	a := scoringArtifact(t, "v1", 1)
	ranked := Score(scoringModels(), features.Features{}, a, Config{}, nil)
	want := []string{"m-hard", "m-mid", "m-cheap"}
	if got := slugs(ranked); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestScoreAlphaZeroRanksByCost(t *testing.T) {
	a := scoringArtifact(t, "v1", 0)
	ranked := Score(scoringModels(), features.Features{}, a, Config{}, nil)
	want := []string{"m-cheap", "m-mid", "m-hard"}
	if got := slugs(ranked); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestScoreConfigAlphaOverridesArtifact(t *testing.T) {
	a := scoringArtifact(t, "v1", 0)
	ranked := Score(scoringModels(), features.Features{}, a, Config{Alpha: 1}, nil)
	if ranked[0].Slug != "m-hard" {
		t.Errorf("top = %s, want m-hard under alpha override", ranked[0].Slug)
	}
}

func TestScoreMissingTablesFallToDefaults(t *testing.T) {
	a := scoringArtifact(t, "v1", 0.7)
	models := []catalog.Model{{Slug: "unseen", Provider: "openai", CtxIn: 400_000}}
	ranked := Score(models, features.Features{}, a, Config{}, nil)
	want := 0.7*defaultQuality - 0.3*defaultCost
	if got := ranked[0].Score; math.Abs(got-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestScoreTieBreaksByCostThenPosition(t *testing.T) {
	raw := []byte(`{
		"version": "v-tie",
		"centroids": [[1,0]],
		"alpha": 1,
		"thresholds": {"cheap": 0.62, "hard": 0.58},
		"penalties": {"latency_sd": 0, "ctx_over_80pct": 0},
		"qhat": {"a": [0.5], "b": [0.5], "c": [0.5]},
		"chat": {"a": 0.3, "b": 0.2, "c": 0.3}
	}`)
	a, err := artifact.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	models := []catalog.Model{
		{Slug: "a", Provider: "openai"},
		{Slug: "b", Provider: "openai"},
		{Slug: "c", Provider: "openai"},
	}
	// Equal alpha-weighted scores: b wins on cost, then a beats c on
	// shortlist position.
	ranked := Score(models, features.Features{}, a, Config{}, nil)
	want := []string{"b", "a", "c"}
	if got := slugs(ranked); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestScoreDeterministic(t *testing.T) {
	a := scoringArtifact(t, "v1", 0.5)
	f := features.Features{ClusterID: 1, ContextRatio: 0.85}
	first := Score(scoringModels(), f, a, Config{}, nil)
	for i := 0; i < 50; i++ {
		again := Score(scoringModels(), f, a, Config{}, nil)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged: %v vs %v", i, again, first)
		}
	}
}

type fixedHinter struct{ hints map[string]float64 }

func (h fixedHinter) LatencySDHint(provider string) float64 { return h.hints[provider] }

func TestScoreLatencyPenaltyReorders(t *testing.T) {
	a := scoringArtifact(t, "v1", 1)
	hinter := fixedHinter{hints: map[string]float64{"openai": 10}}
	ranked := Score(scoringModels(), features.Features{}, a, Config{}, hinter)
	if ranked[0].Slug == "m-hard" {
		t.Errorf("latency penalty did not demote the slow provider")
	}
}

func TestScoreContextPenaltyApplied(t *testing.T) {
	a := scoringArtifact(t, "v1", 1)
	low := Score(scoringModels(), features.Features{ContextRatio: 0.5}, a, Config{}, nil)
	high := Score(scoringModels(), features.Features{ContextRatio: 0.9}, a, Config{}, nil)
	if diff := low[0].Score - high[0].Score; diff < 0.09 || diff > 0.11 {
		t.Errorf("context penalty delta = %v, want ~0.1", diff)
	}
}
