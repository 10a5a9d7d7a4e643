package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func rec(bucket string, success bool, latency, cost float64) Record {
	return Record{
		Timestamp: time.Now().UTC(),
		Bucket:    bucket,
		Provider:  "anthropic",
		Model:     "claude-sonnet",
		Success:   success,
		LatencyMs: latency,
		CostUSD:   cost,
	}
}

func TestSummaryAggregates(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 8; i++ {
		c.Record(rec("cheap", true, 100, 0.001))
	}
	c.Record(rec("mid", true, 400, 0.01))
	c.Record(rec("hard", false, 2000, 0.05))

	aggs := c.Summary()
	if len(aggs) != len(DefaultWindows()) {
		t.Fatalf("got %d aggregates, want %d", len(aggs), len(DefaultWindows()))
	}
	a := aggs[0]
	if a.RequestCount != 10 || a.ErrorCount != 1 {
		t.Errorf("count=%d errors=%d", a.RequestCount, a.ErrorCount)
	}
	if a.BucketShare["cheap"] != 0.8 {
		t.Errorf("cheap share = %v, want 0.8", a.BucketShare["cheap"])
	}
	if a.UptimePct != 90 {
		t.Errorf("uptime = %v, want 90", a.UptimePct)
	}
	if a.P95LatencyMs < 400 {
		t.Errorf("p95 latency = %v, want at least the mid-tier value", a.P95LatencyMs)
	}
	if a.TotalCostUSD < 0.067 || a.TotalCostUSD > 0.069 {
		t.Errorf("total cost = %v", a.TotalCostUSD)
	}
}

func TestMisfireRate(t *testing.T) {
	c := NewCollector()
	ok := rec("mid", true, 100, 0.01)
	ok.FallbackUsed = true
	bad := rec("mid", false, 100, 0.01)
	bad.FallbackUsed = true
	bad.FallbackReason = "provider_transient"
	for i := 0; i < 9; i++ {
		c.Record(ok)
	}
	c.Record(bad)

	a, found := c.WindowAggregate("1h")
	if !found {
		t.Fatal("1h window missing")
	}
	if a.Misfires != 1 {
		t.Errorf("misfires = %d, want 1", a.Misfires)
	}
	if a.MisfireRate != 0.1 {
		t.Errorf("misfire rate = %v, want 0.1", a.MisfireRate)
	}
}

func TestAnthropic429Escalations(t *testing.T) {
	c := NewCollector()
	r := rec("hard", true, 300, 0.02)
	r.Anthropic429 = true
	r.FallbackUsed = true
	r.FallbackReason = "anthropic_429"
	c.Record(r)
	c.Record(rec("hard", true, 300, 0.02))

	a, _ := c.WindowAggregate("1h")
	if a.Anthropic429s != 1 || a.Escalations != 1 {
		t.Errorf("429s=%d escalations=%d, want 1/1", a.Anthropic429s, a.Escalations)
	}
	if a.RateLimit429Pct != 50 {
		t.Errorf("429 pct = %v, want 50", a.RateLimit429Pct)
	}
}

func TestWindowPruning(t *testing.T) {
	c := NewCollector(WithWindows([]Window{{Name: "tiny", Duration: 10 * time.Millisecond}}))
	old := rec("cheap", true, 50, 0.001)
	old.Timestamp = time.Now().Add(-time.Minute)
	c.Record(old)
	c.Record(rec("cheap", true, 50, 0.001))

	a, found := c.WindowAggregate("tiny")
	if !found {
		t.Fatal("tiny window missing")
	}
	if a.RequestCount != 1 {
		t.Errorf("window count = %d, want only the fresh record", a.RequestCount)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	c := NewCollector()
	for i, id := range []string{"a", "b", "c"} {
		r := rec("cheap", true, float64(i), 0)
		r.DecisionID = id
		c.Record(r)
	}
	got := c.Recent(2)
	if len(got) != 2 || got[0].DecisionID != "c" || got[1].DecisionID != "b" {
		t.Errorf("recent = %+v, want c then b", got)
	}
}

func TestSLOGatesPass(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 20; i++ {
		c.Record(rec("cheap", true, 200, 0.001))
	}
	gk := NewGatekeeper(DefaultSLOConfig(), c, "1h", nil)
	report := gk.Evaluate()
	if !report.Healthy {
		t.Fatalf("report unhealthy: %+v", report.Gates)
	}
	if len(report.Gates) != 3 {
		t.Errorf("gates = %d, want the 3 blocking gates", len(report.Gates))
	}
}

func TestSLOLatencyBreachBlocks(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 20; i++ {
		c.Record(rec("hard", true, 5000, 0.01))
	}
	gk := NewGatekeeper(DefaultSLOConfig(), c, "1h", nil)
	report := gk.Evaluate()
	if report.Healthy {
		t.Fatal("5s p95 must fail the latency gate")
	}
	for _, g := range report.Gates {
		if g.Name == "latency_p95_ms" && g.Pass {
			t.Error("latency gate passed at 5000ms")
		}
	}
}

func TestSLOWarningGatesNonBlocking(t *testing.T) {
	c := NewCollector()
	c.Record(rec("mid", true, 100, 9.0))
	cfg := DefaultSLOConfig()
	cfg.MaxCostPerTask = 1.0
	gk := NewGatekeeper(cfg, c, "1h", nil)
	report := gk.Evaluate()
	if !report.Healthy {
		t.Error("cost gate is a warning and must not block")
	}
	var seen bool
	for _, g := range report.Gates {
		if g.Name == "cost_per_task_usd" {
			seen = true
			if g.Pass || g.Blocking {
				t.Errorf("cost gate = %+v, want failing non-blocking", g)
			}
		}
	}
	if !seen {
		t.Error("cost gate missing from report")
	}
}

func TestSLOEmptyWindowPasses(t *testing.T) {
	gk := NewGatekeeper(DefaultSLOConfig(), NewCollector(), "1h", nil)
	if report := gk.Evaluate(); !report.Healthy {
		t.Error("empty window must pass all gates")
	}
}

func TestSLOAlertWebhookDebounced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCollector()
	miss := rec("mid", false, 100, 0.01)
	miss.FallbackUsed = true
	for i := 0; i < 10; i++ {
		c.Record(miss)
	}
	cfg := DefaultSLOConfig()
	cfg.WebhookURL = srv.URL
	gk := NewGatekeeper(cfg, c, "1h", nil)

	ctx := context.Background()
	if report := gk.Check(ctx); report.Healthy {
		t.Fatal("all-misfire window must breach")
	}
	gk.Check(ctx)
	gk.Check(ctx)
	if got := hits.Load(); got != 1 {
		t.Errorf("webhook hits = %d, want 1 within the debounce window", got)
	}
}

func TestCooldownsLiveWired(t *testing.T) {
	c := NewCollector(WithCooldownCount(func() int { return 4 }))
	gk := NewGatekeeper(DefaultSLOConfig(), c, "1h", nil)
	if report := gk.Evaluate(); report.CooldownsLive != 4 {
		t.Errorf("cooldowns = %d, want 4", report.CooldownsLive)
	}
}
