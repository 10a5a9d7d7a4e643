// Package triage assigns a request to a cost/quality bucket.
//
// The primary classifier is a LightGBM GBDT carried in the tuning artifact
// and evaluated in-process with leaves. When the model is absent, fails to
// load, or produces non-finite output, an additive heuristic takes over.
// Either way the result is a full probability distribution over
// {cheap, mid, hard}.
package triage

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitryikh/leaves"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/modelmux/modelmux/internal/artifact"
	"github.com/modelmux/modelmux/internal/features"
)

// Bucket is one of the three cost/quality tiers.
type Bucket string

const (
	Cheap Bucket = "cheap"
	Mid   Bucket = "mid"
	Hard  Bucket = "hard"
)

// Probs is a distribution over buckets. Sum is 1 within 1e-6.
type Probs struct {
	Cheap float64 `json:"cheap"`
	Mid   float64 `json:"mid"`
	Hard  float64 `json:"hard"`
}

// Sum returns cheap+mid+hard.
func (p Probs) Sum() float64 { return p.Cheap + p.Mid + p.Hard }

// Stats are the classifier's lifetime counters.
type Stats struct {
	Total         int64   `json:"total"`
	OK            int64   `json:"ok"`
	Failed        int64   `json:"failed"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	AvgLoadMs     float64 `json:"avg_load_ms"`
	ModelVersion  string  `json:"model_version"`
	UsingFallback bool    `json:"using_fallback"`
}

// model is one loaded generation of the GBDT plus its feature schema.
type model struct {
	ensemble *leaves.Ensemble
	schema   []string
	version  string
}

// Classifier predicts bucket probabilities. Reload on artifact change is
// cheap and swap is atomic; prediction never blocks on a reload.
type Classifier struct {
	logger  *slog.Logger
	latency prometheus.Observer // optional: per-prediction latency in ms

	cur atomic.Pointer[model]

	mu         sync.Mutex
	total      int64
	ok         int64
	failed     int64
	sumLatency float64
	sumLoad    float64
	loads      int64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLatencyObserver sets a Prometheus observer fed the per-prediction
// latency in milliseconds.
func WithLatencyObserver(o prometheus.Observer) Option {
	return func(c *Classifier) { c.latency = o }
}

// New creates a classifier and loads the artifact's GBDT if present.
func New(a *artifact.Artifact, logger *slog.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Classifier{logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	c.Reload(a)
	return c
}

// Reload swaps in the GBDT from a new artifact. A missing or broken blob
// clears the model so prediction uses the heuristic.
func (c *Classifier) Reload(a *artifact.Artifact) {
	if cur := c.cur.Load(); cur != nil && cur.version == a.Version {
		return
	}
	start := time.Now()
	m, err := load(a)
	loadMs := float64(time.Since(start).Microseconds()) / 1000

	c.mu.Lock()
	c.sumLoad += loadMs
	c.loads++
	c.mu.Unlock()

	if err != nil {
		c.cur.Store(nil)
		c.logger.Warn("triage model unavailable; heuristic classifier active",
			slog.String("version", a.Version), slog.String("reason", err.Error()))
		return
	}
	c.cur.Store(m)
	c.logger.Info("triage model loaded",
		slog.String("version", a.Version),
		slog.Int("features", len(m.schema)))
}

func load(a *artifact.Artifact) (*model, error) {
	switch a.GBDT.Framework {
	case "lightgbm":
	case "", "heuristic":
		return nil, fmt.Errorf("no gbdt in artifact")
	default:
		return nil, fmt.Errorf("unsupported gbdt framework %q", a.GBDT.Framework)
	}
	raw, err := base64.StdEncoding.DecodeString(a.GBDT.Blob)
	if err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty gbdt blob")
	}
	ensemble, err := leaves.LGEnsembleFromReader(bufio.NewReader(bytes.NewReader(raw)), true)
	if err != nil {
		return nil, fmt.Errorf("load lightgbm model: %w", err)
	}
	if ensemble.NOutputGroups() != 3 {
		return nil, fmt.Errorf("model has %d output groups, want 3", ensemble.NOutputGroups())
	}
	if len(a.GBDT.FeatureSchema) == 0 {
		return nil, fmt.Errorf("empty feature schema")
	}
	return &model{
		ensemble: ensemble,
		schema:   a.GBDT.FeatureSchema,
		version:  a.Version,
	}, nil
}

// Predict returns bucket probabilities for f. It never fails: GBDT errors
// fall back to the heuristic.
func (c *Classifier) Predict(f features.Features) Probs {
	start := time.Now()
	p, usedModel := c.predict(f)
	latMs := float64(time.Since(start).Microseconds()) / 1000
	if c.latency != nil {
		c.latency.Observe(latMs)
	}

	c.mu.Lock()
	c.total++
	if usedModel {
		c.ok++
	} else {
		c.failed++
	}
	c.sumLatency += latMs
	c.mu.Unlock()
	return p
}

func (c *Classifier) predict(f features.Features) (Probs, bool) {
	m := c.cur.Load()
	if m == nil {
		return Heuristic(f), false
	}
	fvals := Vectorize(m.schema, f)
	for _, v := range fvals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Heuristic(f), false
		}
	}
	out := make([]float64, 3)
	if err := m.ensemble.Predict(fvals, 0, out); err != nil {
		c.logger.Warn("gbdt predict failed; heuristic used", slog.String("error", err.Error()))
		return Heuristic(f), false
	}
	p := normalize(out[0], out[1], out[2])
	if math.Abs(p.Sum()-1) > 1e-6 {
		return Heuristic(f), false
	}
	return p, true
}

// StatsSnapshot returns the lifetime counters.
func (c *Classifier) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Total:         c.total,
		OK:            c.ok,
		Failed:        c.failed,
		UsingFallback: c.cur.Load() == nil,
	}
	if c.total > 0 {
		s.AvgLatencyMs = c.sumLatency / float64(c.total)
	}
	if c.loads > 0 {
		s.AvgLoadMs = c.sumLoad / float64(c.loads)
	}
	if m := c.cur.Load(); m != nil {
		s.ModelVersion = m.version
	}
	return s
}

// Vectorize builds the ordered feature vector for schema, imputing defaults
// for features the extractor does not carry: user_success_rate -> 0.5,
// avg_latency -> 1000, top_p_distance_* -> 1.0, everything else -> 0.
func Vectorize(schema []string, f features.Features) []float64 {
	fvals := make([]float64, len(schema))
	for i, name := range schema {
		switch name {
		case "token_count":
			fvals[i] = float64(f.TokenCount)
		case "context_ratio":
			fvals[i] = f.ContextRatio
		case "has_code":
			fvals[i] = boolFeature(f.HasCode)
		case "has_math":
			fvals[i] = boolFeature(f.HasMath)
		case "ngram_entropy":
			fvals[i] = f.NgramEntropy
		case "user_success_rate":
			fvals[i] = 0.5
		case "avg_latency":
			fvals[i] = 1000
		default:
			if strings.HasPrefix(name, "top_p_distance_") {
				idx := int(name[len(name)-1] - '0')
				if idx >= 0 && idx < len(f.TopPDistances) {
					fvals[i] = f.TopPDistances[idx]
				} else {
					fvals[i] = 1.0
				}
			}
		}
	}
	return fvals
}

// Heuristic is the additive fallback classifier. Scores never go negative,
// and the output is always a valid distribution.
func Heuristic(f features.Features) Probs {
	cheap, mid, hard := 1.0, 1.0, 1.0

	// Long prompts lean hard; short prompts lean cheap.
	switch {
	case f.TokenCount > 50_000:
		hard += 2.0
	case f.TokenCount > 8_000:
		mid += 1.0
		hard += 0.5
	case f.TokenCount < 500:
		cheap += 1.0
	}

	if f.HasCode {
		mid += 0.8
		hard += 0.4
	}
	if f.HasMath {
		mid += 0.5
		hard += 0.8
	}
	if f.NgramEntropy > 6 {
		mid += 0.5
	}
	if f.ContextRatio > 0.5 {
		hard += 1.5
	}

	return normalize(cheap, mid, hard)
}

func normalize(cheap, mid, hard float64) Probs {
	// Clamp negatives before normalizing; a raw margin below zero would
	// otherwise produce probabilities outside [0,1].
	if cheap < 0 {
		cheap = 0
	}
	if mid < 0 {
		mid = 0
	}
	if hard < 0 {
		hard = 0
	}
	sum := cheap + mid + hard
	if sum <= 0 {
		return Probs{Cheap: 1.0 / 3, Mid: 1.0 / 3, Hard: 1.0 / 3}
	}
	return Probs{Cheap: cheap / sum, Mid: mid / sum, Hard: hard / sum}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
