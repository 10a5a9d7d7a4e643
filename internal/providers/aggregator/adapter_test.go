package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/providers"
)

func bearer() auth.Credentials {
	return auth.Credentials{Type: auth.TypeBearer, Token: "sk-or-v1-test"}
}

func TestSendForwardsProviderPrefs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-or-v1-test" {
			t.Errorf("Authorization = %q", got)
		}
		var payload struct {
			Model    string `json:"model"`
			Provider *struct {
				Sort           string  `json:"sort"`
				MaxPrice       float64 `json:"max_price"`
				AllowFallbacks bool    `json:"allow_fallbacks"`
			} `json:"provider"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Model != "deepseek/deepseek-r1" {
			t.Errorf("model = %s", payload.Model)
		}
		if payload.Provider == nil {
			t.Fatalf("provider prefs missing")
		}
		if payload.Provider.Sort != "price" || payload.Provider.AllowFallbacks {
			t.Errorf("prefs = %+v", payload.Provider)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 1},
		})
	}))
	defer ts.Close()

	a := New(ts.URL)
	resp, err := a.Send(context.Background(), bearer(), providers.Request{
		Model:    "deepseek/deepseek-r1",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
		Prefs:    &providers.RoutePrefs{Sort: "price", MaxPrice: 2.5, AllowFallbacks: false},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.PromptTokens != 3 || resp.CompletionTokens != 1 {
		t.Errorf("usage = %d/%d, want 3/1", resp.PromptTokens, resp.CompletionTokens)
	}
}

func TestSendReasoningBudget(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Reasoning *struct {
				MaxTokens int    `json:"max_tokens"`
				Effort    string `json:"effort"`
			} `json:"reasoning"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Reasoning == nil || payload.Reasoning.MaxTokens != 8192 {
			t.Errorf("reasoning = %+v", payload.Reasoning)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	a := New(ts.URL)
	_, err := a.Send(context.Background(), bearer(), providers.Request{
		Model:          "qwen/qwen3-coder",
		Messages:       []providers.Message{{Role: "user", Content: "hi"}},
		ThinkingBudget: 8192,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClassify(t *testing.T) {
	a := New("")
	cases := []struct {
		name string
		err  error
		kind engine.ErrKind
	}{
		{"429", &providers.StatusError{StatusCode: 429}, engine.RateLimit},
		{"401", &providers.StatusError{StatusCode: 401}, engine.AuthInvalid},
		{"502", &providers.StatusError{StatusCode: 502}, engine.ProviderTransient},
		{"overflow", &providers.StatusError{StatusCode: 400, Body: "this model's maximum context length is 163840"}, engine.ContextOverflow},
		{"other 400", &providers.StatusError{StatusCode: 400, Body: "bad"}, engine.ProviderPermanent},
		{"network", context.DeadlineExceeded, engine.ProviderTransient},
	}
	for _, tc := range cases {
		if e := a.Classify(tc.err); e.Kind != tc.kind {
			t.Errorf("%s: kind = %s, want %s", tc.name, e.Kind, tc.kind)
		}
	}
}
