// Package artifact loads and publishes the tuning artifact: the versioned,
// immutable value carrying cluster centroids, the triage GBDT, and the
// per-model quality/cost tables the selector scores against.
//
// An artifact is a value, not a service. The loader publishes a new artifact
// by atomic pointer swap; a request captures the pointer once and sees one
// consistent artifact from entry to exit.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// Thresholds are the bucket probability cut-offs applied by the policy.
type Thresholds struct {
	Cheap float64 `json:"cheap"`
	Hard  float64 `json:"hard"`
}

// Penalties are the scalar costs subtracted by the selector.
type Penalties struct {
	LatencySD    float64 `json:"latency_sd"`
	CtxOver80Pct float64 `json:"ctx_over_80pct"`
}

// GBDT carries the triage classifier: a framework tag, the model blob in the
// framework's native format (base64), and the ordered feature-name schema the
// feature vector must follow.
type GBDT struct {
	Framework     string   `json:"framework"`
	Blob          string   `json:"blob"`
	FeatureSchema []string `json:"feature_schema"`
}

// Artifact is the immutable tuning payload. Fields are exported for JSON
// decoding; treat a parsed artifact as read-only.
type Artifact struct {
	Version    string               `json:"version"`
	Centroids  [][]float32          `json:"centroids"`
	Alpha      float64              `json:"alpha"`
	Thresholds Thresholds           `json:"thresholds"`
	Penalties  Penalties            `json:"penalties"`
	QHat       map[string][]float64 `json:"qhat"`
	CHat       map[string]float64   `json:"chat"`
	GBDT       GBDT                 `json:"gbdt"`

	fingerprint string
}

// Parse decodes and validates an artifact and stamps its fingerprint
// (SHA-256 of the raw bytes). The fingerprint gates hot reloads: a source
// returning identical bytes never triggers a swap.
func Parse(raw []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("artifact: decode: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("artifact %q: %w", a.Version, err)
	}
	sum := sha256.Sum256(raw)
	a.fingerprint = hex.EncodeToString(sum[:])
	return &a, nil
}

// Fingerprint returns the SHA-256 hex digest of the serialized artifact.
func (a *Artifact) Fingerprint() string { return a.fingerprint }

// NumClusters returns the number of centroids.
func (a *Artifact) NumClusters() int { return len(a.Centroids) }

// Dim returns the embedding dimension the centroids were fit in.
func (a *Artifact) Dim() int {
	if len(a.Centroids) == 0 {
		return 0
	}
	return len(a.Centroids[0])
}

// Quality returns qhat[slug][cluster]. ok is false when the model has no
// quality row or the cluster is out of range; callers substitute the
// conservative default.
func (a *Artifact) Quality(slug string, cluster int) (q float64, ok bool) {
	row, found := a.QHat[slug]
	if !found || cluster < 0 || cluster >= len(row) {
		return 0, false
	}
	return row[cluster], true
}

// Cost returns the normalized cost for slug, ok=false when absent.
func (a *Artifact) Cost(slug string) (c float64, ok bool) {
	c, ok = a.CHat[slug]
	return c, ok
}

func (a *Artifact) validate() error {
	if a.Version == "" {
		return fmt.Errorf("missing version")
	}
	if a.Alpha < 0 || a.Alpha > 1 || math.IsNaN(a.Alpha) {
		return fmt.Errorf("alpha %v outside [0,1]", a.Alpha)
	}
	if err := inUnit("thresholds.cheap", a.Thresholds.Cheap); err != nil {
		return err
	}
	if err := inUnit("thresholds.hard", a.Thresholds.Hard); err != nil {
		return err
	}
	if a.Penalties.LatencySD < 0 || a.Penalties.CtxOver80Pct < 0 {
		return fmt.Errorf("negative penalty")
	}
	if len(a.Centroids) == 0 {
		return fmt.Errorf("no centroids")
	}
	dim := len(a.Centroids[0])
	if dim == 0 {
		return fmt.Errorf("zero-dimension centroid")
	}
	for i, c := range a.Centroids {
		if len(c) != dim {
			return fmt.Errorf("centroid %d has dim %d, want %d", i, len(c), dim)
		}
	}
	for slug, row := range a.QHat {
		if len(row) != len(a.Centroids) {
			return fmt.Errorf("qhat[%s] has %d entries, want %d clusters", slug, len(row), len(a.Centroids))
		}
		for i, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("qhat[%s][%d] not finite", slug, i)
			}
		}
	}
	for slug, v := range a.CHat {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("chat[%s] = %v outside [0,1]", slug, v)
		}
	}
	return nil
}

func inUnit(name string, v float64) error {
	if v < 0 || v > 1 || math.IsNaN(v) {
		return fmt.Errorf("%s = %v outside [0,1]", name, v)
	}
	return nil
}
