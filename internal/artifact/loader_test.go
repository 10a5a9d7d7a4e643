package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func artifactJSON(version string, q float64) []byte {
	return []byte(fmt.Sprintf(`{
		"version": %q,
		"alpha": 0.6,
		"thresholds": {"cheap": 0.62, "hard": 0.58},
		"penalties": {"latency_sd": 0.05, "ctx_over_80pct": 0.1},
		"centroids": [[0.1, 0.2], [0.3, -0.1]],
		"qhat": {"gpt-5-mini": [%g, %g]},
		"chat": {"gpt-5-mini": 0.2},
		"gbdt": {"framework": "heuristic", "blob": "", "feature_schema": ["token_count"]}
	}`, version, q, q))
}

func TestLoaderFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.json")
	if err := os.WriteFile(path, artifactJSON("v1", 0.5), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, source := range []string{path, "file://" + path} {
		l := NewLoader(source)
		if err := l.Bootstrap(context.Background()); err != nil {
			t.Fatalf("Bootstrap(%s): %v", source, err)
		}
		if got := l.Current().Version; got != "v1" {
			t.Errorf("source %s: version = %q, want v1", source, got)
		}
	}
}

func TestLoaderHTTPSourceAndFingerprintGate(t *testing.T) {
	var payload atomic.Value
	payload.Store(artifactJSON("v1", 0.5))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload.Load().([]byte))
	}))
	defer srv.Close()

	l := NewLoader(srv.URL)
	swapped, err := l.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !swapped {
		t.Fatal("expected first reload to swap")
	}

	// Same bytes: fingerprint gate must suppress the swap.
	swapped, err = l.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if swapped {
		t.Error("expected unchanged artifact to not swap")
	}

	payload.Store(artifactJSON("v2", 0.7))
	swapped, err = l.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !swapped {
		t.Error("expected changed artifact to swap")
	}
	if got := l.Current().Version; got != "v2" {
		t.Errorf("version = %q, want v2", got)
	}
}

func TestLoaderBootstrapFallsBackToEmergency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	l := NewLoader(srv.URL)
	if err := l.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	a := l.Current()
	if a == nil {
		t.Fatal("expected emergency artifact to be published")
	}
	if a.GBDT.Framework != "heuristic" {
		t.Errorf("expected emergency artifact, got version %q", a.Version)
	}
}

func TestLoaderSnapshotFallback(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "artifact.snapshot.json")

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(artifactJSON("snap-v1", 0.5))
	}))
	l := NewLoader(good.URL, WithSnapshotPath(snap))
	if err := l.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	good.Close()

	if _, err := os.Stat(snap); err != nil {
		t.Fatalf("expected snapshot file: %v", err)
	}

	// A fresh loader with a dead source bootstraps from the snapshot,
	// not the emergency artifact.
	l2 := NewLoader("http://127.0.0.1:1/artifact.json", WithSnapshotPath(snap))
	if err := l2.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := l2.Current().Version; got != "snap-v1" {
		t.Errorf("version = %q, want snap-v1", got)
	}
}

type fakeS3 struct {
	bucket, key string
	body        []byte
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket = *in.Bucket
	f.key = *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.body))}, nil
}

func TestLoaderS3Source(t *testing.T) {
	fake := &fakeS3{body: artifactJSON("s3-v1", 0.4)}
	l := NewLoader("s3://tuning-artifacts/router/current.json", WithObjectGetter(fake))

	swapped, err := l.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !swapped {
		t.Fatal("expected swap")
	}
	if fake.bucket != "tuning-artifacts" {
		t.Errorf("bucket = %q", fake.bucket)
	}
	if fake.key != "router/current.json" {
		t.Errorf("key = %q", fake.key)
	}
	if got := l.Current().Version; got != "s3-v1" {
		t.Errorf("version = %q, want s3-v1", got)
	}
}

func TestLoaderOnSwapHookAndObserver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(artifactJSON("hook-v1", 0.5))
	}))
	defer srv.Close()

	var outcomes []string
	l := NewLoader(srv.URL, WithReloadObserver(func(o string) { outcomes = append(outcomes, o) }))

	var hooked *Artifact
	l.OnSwap(func(a *Artifact) { hooked = a })

	if _, err := l.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if hooked == nil || hooked.Version != "hook-v1" {
		t.Errorf("hook did not receive swapped artifact: %+v", hooked)
	}

	if _, err := l.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0] != "swapped" || outcomes[1] != "unchanged" {
		t.Errorf("outcomes = %v", outcomes)
	}
}

// Concurrent readers straddling a swap must each observe one complete
// artifact: the version always matches the quality values fitted with it.
func TestLoaderConcurrentSwapConsistency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.json")
	if err := os.WriteFile(path, artifactJSON("v1", 0.25), 0o600); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(path)
	if err := l.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	expected := map[string]float64{"v1": 0.25, "v2": 0.75}

	var wg sync.WaitGroup
	errs := make(chan string, 1000)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a := l.Current()
				q, ok := a.Quality("gpt-5-mini", 0)
				if !ok || q != expected[a.Version] {
					select {
					case errs <- fmt.Sprintf("version %s saw quality %v", a.Version, q):
					default:
					}
				}
			}
		}()
	}

	if err := os.WriteFile(path, artifactJSON("v2", 0.75), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	wg.Wait()
	close(errs)
	for e := range errs {
		t.Fatalf("mixed artifact observed: %s", e)
	}
}

func TestLoaderUnsupportedScheme(t *testing.T) {
	l := NewLoader("ftp://example.com/artifact.json")
	if _, err := l.Reload(context.Background()); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
