// Package features reduces a chat request to the numeric feature vector the
// triage classifier and selector consume. Extraction runs under a strict
// budget and degrades instead of failing: every sub-step has a default that
// is substituted on timeout or backend failure.
package features

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/modelmux/modelmux/internal/centroids"
	"github.com/modelmux/modelmux/internal/embedding"
	"github.com/modelmux/modelmux/internal/tokencount"
)

// maxEmbedBytes bounds the text that is hashed and embedded. Longer prompts
// are truncated for the embedding only; token counting sees the full text.
const maxEmbedBytes = 64 << 10

// topK is the number of centroid distances carried in the feature vector.
const topK = 3

// Features is the frozen per-request feature set.
type Features struct {
	Embedding     []float32 `json:"-"`
	ClusterID     int       `json:"cluster_id"`
	TopPDistances []float64 `json:"top_p_distances"`
	TokenCount    int       `json:"token_count"`
	ContextRatio  float64   `json:"context_ratio"`
	HasCode       bool      `json:"has_code"`
	HasMath       bool      `json:"has_math"`
	NgramEntropy  float64   `json:"ngram_entropy"`

	// EmbeddingFallback marks that the deterministic embedding was used.
	EmbeddingFallback bool `json:"embedding_fallback"`
	// Degraded marks that the extraction budget expired and defaults were
	// substituted for the embedding path.
	Degraded bool `json:"degraded"`
}

// Config holds the extractor's tunables.
type Config struct {
	// Budget is the extraction deadline. Zero means 25 ms.
	Budget time.Duration
	// FamilyMaxContext is the denominator for context_ratio. Zero means
	// 200 000.
	FamilyMaxContext int
}

// Extractor computes Features. Safe for concurrent use.
type Extractor struct {
	chain     *embedding.Chain
	index     *centroids.Index
	cache     *Cache
	counter   *tokencount.Counter
	cfg       Config
	logger    *slog.Logger
	latency   prometheus.Observer // optional: extraction wall time in ms
	fallbacks prometheus.Counter  // optional: deterministic-embedding uses
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Extractor) { e.logger = lg }
}

// WithCache overrides the embedding cache.
func WithCache(c *Cache) Option {
	return func(e *Extractor) { e.cache = c }
}

// WithLatencyObserver sets a Prometheus observer fed the extraction latency
// in milliseconds.
func WithLatencyObserver(o prometheus.Observer) Option {
	return func(e *Extractor) { e.latency = o }
}

// WithFallbackCounter sets a Prometheus counter incremented each time the
// deterministic embedding fallback serves a request.
func WithFallbackCounter(c prometheus.Counter) Option {
	return func(e *Extractor) { e.fallbacks = c }
}

// New creates an extractor over the given embedding chain and centroid
// index.
func New(chain *embedding.Chain, index *centroids.Index, cfg Config, opts ...Option) *Extractor {
	if cfg.Budget <= 0 {
		cfg.Budget = 25 * time.Millisecond
	}
	if cfg.FamilyMaxContext <= 0 {
		cfg.FamilyMaxContext = 200_000
	}
	e := &Extractor{
		chain:   chain,
		index:   index,
		cache:   NewCache(24*time.Hour, 12288),
		counter: tokencount.New(),
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops the embedding cache's cleanup goroutine.
func (e *Extractor) Close() { e.cache.Stop() }

// Extract produces Features for the concatenated prompt text. It never
// returns an error: on budget exhaustion the embedding-dependent features
// fall back to defaults and Degraded is set.
func (e *Extractor) Extract(ctx context.Context, text string) Features {
	start := time.Now()
	defer func() {
		if e.latency != nil {
			e.latency.Observe(float64(time.Since(start).Microseconds()) / 1000)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	embedText := text
	if len(embedText) > maxEmbedBytes {
		embedText = embedText[:maxEmbedBytes]
	}

	f := Features{
		ClusterID:     0,
		TopPDistances: paddedDistances(nil),
	}

	g, gctx := errgroup.WithContext(ctx)

	// Embedding + nearest-centroid path.
	g.Go(func() error {
		vec, fallback, err := e.embed(gctx, embedText)
		if err != nil {
			return err
		}
		f.Embedding = vec
		f.EmbeddingFallback = fallback
		neighbors := e.index.Nearest(vec, topK)
		if len(neighbors) > 0 {
			f.ClusterID = neighbors[0].Cluster
			dists := make([]float64, 0, len(neighbors))
			for _, n := range neighbors {
				dists = append(dists, clampDistance(n.Distance))
			}
			f.TopPDistances = paddedDistances(dists)
		}
		return nil
	})

	// Lexical path, independent of the embedding.
	g.Go(func() error {
		f.HasCode = HasCode(embedText)
		f.HasMath = HasMath(embedText)
		f.NgramEntropy = TrigramEntropy(embedText)
		return nil
	})

	// Token pressure on the full, untruncated text.
	g.Go(func() error {
		f.TokenCount = e.counter.Count(text)
		f.ContextRatio = tokencount.Ratio(f.TokenCount, e.cfg.FamilyMaxContext)
		return nil
	})

	if err := g.Wait(); err != nil {
		// Budget expired mid-embedding. Lexical and token features are
		// either done or cheap enough to recompute inline.
		f.Degraded = true
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			e.logger.Warn("feature extraction budget exceeded; using degraded features",
				slog.Duration("budget", e.cfg.Budget))
		} else {
			e.logger.Warn("feature extraction failed; using degraded features",
				slog.String("error", err.Error()))
		}
		if f.TokenCount == 0 {
			f.TokenCount = tokencount.Estimate(text)
			f.ContextRatio = tokencount.Ratio(f.TokenCount, e.cfg.FamilyMaxContext)
		}
	}
	return f
}

// embed consults the cache, then the backend chain. ErrAllBackendsDown is a
// soft signal carried as EmbeddingFallback, not an error.
func (e *Extractor) embed(ctx context.Context, text string) (vec []float32, fallback bool, err error) {
	key := Key(text)
	if cached, ok := e.cache.Get(key); ok {
		return cached, false, nil
	}
	vec, source, err := e.chain.Embed(ctx, text)
	if err != nil && !errors.Is(err, embedding.ErrAllBackendsDown) {
		return nil, false, err
	}
	fallback = errors.Is(err, embedding.ErrAllBackendsDown)
	if fallback {
		e.logger.Warn("embedding backends unavailable; deterministic fallback used",
			slog.String("source", source))
		if e.fallbacks != nil {
			e.fallbacks.Inc()
		}
	}
	// Deterministic vectors are cached too: they are stable and the cache
	// saves the XOF work on repeated prompts.
	e.cache.Set(key, vec)
	return vec, fallback, nil
}

func clampDistance(d float64) float64 {
	if d < 0 {
		return 0
	}
	if d > 1 {
		return 1
	}
	return d
}

// paddedDistances pads or truncates to exactly topK entries with 1.0 fill.
func paddedDistances(dists []float64) []float64 {
	out := make([]float64, topK)
	for i := range out {
		if i < len(dists) {
			out[i] = dists[i]
		} else {
			out[i] = 1.0
		}
	}
	return out
}
