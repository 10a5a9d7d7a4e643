package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDeterministicStable(t *testing.T) {
	d := NewDeterministic(384)
	a, err := d.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := d.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != 384 {
		t.Fatalf("dim = %d, want 384", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs across calls: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestDeterministicRange(t *testing.T) {
	d := NewDeterministic(64)
	vec, err := d.Embed(context.Background(), "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, f := range vec {
		if f < -1 || f > 1 {
			t.Errorf("component %d = %v outside [-1,1]", i, f)
		}
	}
}

func TestDeterministicDistinct(t *testing.T) {
	d := NewDeterministic(64)
	a, _ := d.Embed(context.Background(), "text one")
	b, _ := d.Embed(context.Background(), "text two")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth = %q", got)
		}
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 1 || req.Input[0] != "hello" {
			t.Errorf("input = %v", req.Input)
		}
		vec := make([]float32, 4)
		for i := range vec {
			vec[i] = 0.25
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		})
	}))
	defer srv.Close()

	b := NewHTTP("primary", srv.URL, "all-minilm", 4, WithAPIKey("test-key"))
	vec, err := b.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("dim = %d, want 4", len(vec))
	}
}

func TestHTTPBackendDimMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1, 2}}},
		})
	}))
	defer srv.Close()

	b := NewHTTP("primary", srv.URL, "m", 4)
	if _, err := b.Embed(context.Background(), "x"); err == nil {
		t.Error("expected dim mismatch error")
	}
}

type failingBackend struct{ calls int }

func (f *failingBackend) Name() string { return "failing" }
func (f *failingBackend) Dim() int     { return 8 }
func (f *failingBackend) Embed(context.Context, string) ([]float32, error) {
	f.calls++
	return nil, errors.New("boom")
}

type okBackend struct{}

func (okBackend) Name() string { return "secondary" }
func (okBackend) Dim() int     { return 8 }
func (okBackend) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, 8), nil
}

func TestChainFallsThroughToSecondary(t *testing.T) {
	c := NewChain(8, []Backend{&failingBackend{}, okBackend{}})
	vec, source, err := c.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if source != "secondary" {
		t.Errorf("source = %q, want secondary", source)
	}
	if len(vec) != 8 {
		t.Errorf("dim = %d", len(vec))
	}
}

func TestChainDeterministicWhenAllDown(t *testing.T) {
	c := NewChain(8, []Backend{&failingBackend{}, &failingBackend{}})
	vec, source, err := c.Embed(context.Background(), "x")
	if !errors.Is(err, ErrAllBackendsDown) {
		t.Errorf("err = %v, want ErrAllBackendsDown", err)
	}
	if source != "deterministic" {
		t.Errorf("source = %q", source)
	}
	if len(vec) != 8 {
		t.Errorf("dim = %d", len(vec))
	}
}

func TestChainNoRemotes(t *testing.T) {
	c := NewChain(16, nil)
	vec, source, err := c.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if source != "deterministic" || len(vec) != 16 {
		t.Errorf("source = %q, dim = %d", source, len(vec))
	}
}

func TestChainBreakerSkipsDeadBackend(t *testing.T) {
	fb := &failingBackend{}
	c := NewChain(8, []Backend{fb})
	for i := 0; i < 10; i++ {
		_, _, _ = c.Embed(context.Background(), "x")
	}
	// Threshold is 3; after the breaker opens the backend must stop being
	// called even though Embed keeps succeeding via the fallback.
	if fb.calls > 4 {
		t.Errorf("backend called %d times; breaker did not open", fb.calls)
	}
}

func TestChainRespectsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	c := NewChain(8, []Backend{&failingBackend{}})
	vec, _, _ := c.Embed(ctx, "x")
	if len(vec) != 8 {
		t.Errorf("expected a full vector after deadline, got dim %d", len(vec))
	}
}
