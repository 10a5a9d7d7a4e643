package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmbeddedSnapshotLoads(t *testing.T) {
	c := New("")
	if c.ModelCount() == 0 {
		t.Fatal("expected embedded snapshot to carry models")
	}
	if c.Source() != "embedded" {
		t.Errorf("source = %q, want embedded", c.Source())
	}

	m, ok := c.Lookup("claude-sonnet-4-5")
	if !ok {
		t.Fatal("claude-sonnet-4-5 missing from embedded snapshot")
	}
	if m.Provider != "anthropic" {
		t.Errorf("provider = %q", m.Provider)
	}
	if m.CtxIn != 200000 {
		t.Errorf("ctx_in = %d", m.CtxIn)
	}
	if m.Params.Thinking.Type != "budget" {
		t.Errorf("thinking type = %q", m.Params.Thinking.Type)
	}

	// Long-context families must be represented for the guardrail path.
	g, ok := c.Lookup("gemini-2.5-pro")
	if !ok || g.CtxIn < 1_000_000 {
		t.Errorf("expected gemini-2.5-pro with >=1M ctx, got %+v", g)
	}
}

func TestEmbeddedSnapshotAuthors(t *testing.T) {
	c := New("")
	m, ok := c.Lookup("deepseek/deepseek-r1")
	if !ok {
		t.Fatal("deepseek/deepseek-r1 missing")
	}
	if m.AuthorOrPrefix() != "deepseek" {
		t.Errorf("author = %q", m.AuthorOrPrefix())
	}

	// The aggregator serves anthropic-authored models; the author filter
	// depends on this being tagged.
	agg, ok := c.Lookup("anthropic/claude-sonnet-4.5")
	if !ok {
		t.Fatal("anthropic/claude-sonnet-4.5 missing")
	}
	if agg.Provider != "aggregator" || agg.AuthorOrPrefix() != "anthropic" {
		t.Errorf("got provider=%q author=%q", agg.Provider, agg.AuthorOrPrefix())
	}
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []Model{{
					Slug: "test/model-a", Provider: "aggregator", Family: "test",
					CtxIn: 100000, Pricing: Pricing{InPerMillion: 1, OutPerMillion: 2},
				}},
			})
		case "/v1/feature-flags":
			_, _ = w.Write([]byte(`{"canary":"on"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.Source() != "remote" {
		t.Errorf("source = %q, want remote", c.Source())
	}
	if _, ok := c.Lookup("test/model-a"); !ok {
		t.Error("refreshed model missing")
	}
	if _, ok := c.Lookup("claude-sonnet-4-5"); ok {
		t.Error("embedded snapshot should be fully replaced")
	}
	flags := c.FeatureFlags()
	if string(flags["canary"]) != `"on"` {
		t.Errorf("flags = %v", flags)
	}
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.URL.Path == "/v1/models" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []Model{{Slug: "test/model-a", Provider: "aggregator", CtxIn: 1}},
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	fail.Store(true)
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if _, ok := c.Lookup("test/model-a"); !ok {
		t.Error("previous snapshot must keep serving after failed refresh")
	}
	if c.Source() != "stale" {
		t.Errorf("source = %q, want stale", c.Source())
	}
}

func TestOfflineClientRefreshNoop(t *testing.T) {
	c := New("")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("offline Refresh should be a no-op, got %v", err)
	}
	if c.Source() != "embedded" {
		t.Errorf("source = %q", c.Source())
	}
}

func TestCapabilitiesAndPricingEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/capabilities/gpt-5-mini":
			_ = json.NewEncoder(w).Encode(Model{Slug: "gpt-5-mini", Provider: "openai", CtxIn: 400000})
		case "/v1/pricing/gpt-5-mini":
			_ = json.NewEncoder(w).Encode(Pricing{InPerMillion: 0.25, OutPerMillion: 2})
		case "/health":
			_ = json.NewEncoder(w).Encode(Health{Status: "ok", ModelCount: 42})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)

	m, err := c.Capabilities(context.Background(), "gpt-5-mini")
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if m.CtxIn != 400000 {
		t.Errorf("ctx_in = %d", m.CtxIn)
	}

	p, err := c.PricingFor(context.Background(), "gpt-5-mini")
	if err != nil {
		t.Fatalf("PricingFor: %v", err)
	}
	if p.OutPerMillion != 2 {
		t.Errorf("out price = %v", p.OutPerMillion)
	}

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.ModelCount != 42 {
		t.Errorf("health = %+v", h)
	}
}

func TestStartRefreshLoop(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			hits.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{"models": []Model{{Slug: "m", Provider: "openai", CtxIn: 1}}})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL, WithTTL(20*time.Millisecond))
	stop := c.Start()
	defer stop()

	deadline := time.After(2 * time.Second)
	for hits.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("refresh loop only hit %d times", hits.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCostUSD(t *testing.T) {
	m := Model{Pricing: Pricing{InPerMillion: 3, OutPerMillion: 15}}
	got := m.CostUSD(1_000_000, 200_000)
	want := 3.0 + 0.2*15
	if got != want {
		t.Errorf("CostUSD = %v, want %v", got, want)
	}
}
