package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/internal/artifact"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/cooldown"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/triage"
)

// ErrModelNotAllowed reports that the caller pinned a model that is not in
// any candidate list. The handler surfaces this as a deny with host-level
// fallbacks disabled.
var ErrModelNotAllowed = errors.New("router: requested model not in any candidate list")

// ErrNoCandidates reports that every candidate was filtered out.
var ErrNoCandidates = errors.New("router: no eligible candidates")

// ArtifactSource yields the current artifact. *artifact.Loader satisfies it.
type ArtifactSource interface {
	Current() *artifact.Artifact
}

// Extractor produces Features. *features.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, text string) features.Features
}

// Router owns the decision pipeline state: no global singletons, everything
// hangs off this value.
type Router struct {
	cfg        Config
	artifacts  ArtifactSource
	extractor  Extractor
	classifier *triage.Classifier
	catalog    Catalog
	cooldowns  *cooldown.Ledger
	hinter     LatencyHinter
	logger     *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLatencyHinter attaches the health tracker's latency hint.
func WithLatencyHinter(h LatencyHinter) Option {
	return func(r *Router) { r.hinter = h }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(r *Router) { r.logger = lg }
}

// New creates a Router.
func New(cfg Config, artifacts ArtifactSource, extractor Extractor, classifier *triage.Classifier, cat Catalog, cooldowns *cooldown.Ledger, opts ...Option) *Router {
	r := &Router{
		cfg:        cfg,
		artifacts:  artifacts,
		extractor:  extractor,
		classifier: classifier,
		catalog:    cat,
		cooldowns:  cooldowns,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Decide runs the full pipeline for the concatenated prompt text.
// requestedModel pins a model when non-empty and not "auto"; a pin outside
// the candidate lists returns ErrModelNotAllowed. userKey (the cool-down
// hash) may be empty for unauthenticated probes.
func (r *Router) Decide(ctx context.Context, text, userKey, requestedModel string) (Decision, features.Features, error) {
	// One artifact pointer for the whole decision; a hot swap mid-request
	// is invisible.
	art := r.artifacts.Current()
	if art == nil {
		return Decision{}, features.Features{}, fmt.Errorf("router: no artifact loaded")
	}

	f := r.extractor.Extract(ctx, text)
	probs := r.classifier.Predict(f)

	if requestedModel != "" && requestedModel != "auto" {
		if !r.modelAllowed(requestedModel) {
			return Decision{}, f, ErrModelNotAllowed
		}
	}

	d, err := r.decide(probs, f, art, userKey, requestedModel, nil)
	return d, f, err
}

// Reroute re-runs selection for an existing decision with the given provider
// kinds excluded. Features are reused; the artifact is re-captured, which is
// safe because a reroute is a fresh decision.
func (r *Router) Reroute(d Decision, f features.Features, userKey string, exclude ...Kind) (Decision, error) {
	art := r.artifacts.Current()
	if art == nil {
		return Decision{}, fmt.Errorf("router: no artifact loaded")
	}
	nd, err := r.decide(d.Probs, f, art, userKey, "", exclude)
	if err != nil {
		return Decision{}, err
	}
	nd.ID = d.ID // a reroute continues the same decision
	return nd, nil
}

// ReselectLongContext re-runs selection on the long-context path after a
// provider reported context overflow: the guardrail is forced regardless of
// the measured token count.
func (r *Router) ReselectLongContext(d Decision, f features.Features, userKey string) (Decision, error) {
	art := r.artifacts.Current()
	if art == nil {
		return Decision{}, fmt.Errorf("router: no artifact loaded")
	}
	if f.TokenCount < r.cfg.longContextTrigger() {
		f.TokenCount = r.cfg.longContextTrigger()
	}
	nd, err := r.decide(d.Probs, f, art, userKey, "", nil)
	if err != nil {
		return Decision{}, err
	}
	nd.ID = d.ID
	return nd, nil
}

func (r *Router) decide(probs triage.Probs, f features.Features, art *artifact.Artifact, userKey, pinned string, exclude []Kind) (Decision, error) {
	tc := art.Thresholds.Cheap
	if r.cfg.ThresholdCheap > 0 {
		tc = r.cfg.ThresholdCheap
	}
	th := art.Thresholds.Hard
	if r.cfg.ThresholdHard > 0 {
		th = r.cfg.ThresholdHard
	}

	// Cool-down and reroute exclusions compose as independent filters.
	var filters []Filter
	cooldownApplied := false
	if userKey != "" && r.cooldowns != nil && r.cooldowns.Active(userKey) {
		filters = append(filters, ExcludeKinds(KindAnthropic))
		cooldownApplied = true
	}
	if len(exclude) > 0 {
		filters = append(filters, ExcludeKinds(exclude...))
	}

	s := Pick(probs, f, r.cfg, r.catalog, tc, th, filters...)

	// A pinned model bypasses ranking but still honors the filters: a
	// pinned anthropic model under cool-down is rerouted like any other.
	if pinned != "" && pinned != "auto" {
		if m, ok := shortlistLookup(s.Models, pinned); ok {
			return r.build(s, []Candidate{{Slug: m.Slug, Kind: Kind(m.Provider), Score: 0}}, probs, art, f, cooldownApplied)
		}
	}

	ranked := Score(s.Models, f, art, r.cfg, r.hinter)
	if len(ranked) == 0 {
		return Decision{}, ErrNoCandidates
	}
	return r.build(s, ranked, probs, art, f, cooldownApplied)
}

func (r *Router) build(s Shortlist, ranked []Candidate, probs triage.Probs, art *artifact.Artifact, f features.Features, cooldownApplied bool) (Decision, error) {
	primary := ranked[0]
	nFallbacks := r.cfg.topP()
	if nFallbacks > len(ranked)-1 {
		nFallbacks = len(ranked) - 1
	}

	d := Decision{
		ID:              uuid.NewString(),
		Bucket:          s.Bucket,
		Probs:           probs,
		Provider:        primary.Kind,
		Model:           primary.Slug,
		Fallbacks:       ranked[1 : 1+nFallbacks],
		ArtifactVersion: art.Version,
		Fingerprint:     art.Fingerprint(),
		GuardrailForced: s.GuardrailForced,
		CooldownApplied: cooldownApplied,
	}
	if primary.Kind == KindAggregator {
		d.Prefs = r.cfg.AggregatorPrefs
	}
	d.Thinking = r.thinking(s.Bucket, primary.Slug)
	return d, nil
}

// thinking resolves the bucket's thinking defaults against the model's
// declared ranges. The catalog ranges are authoritative: budget values clamp
// to [low, max].
func (r *Router) thinking(b triage.Bucket, slug string) Thinking {
	var def BucketDefaults
	switch b {
	case triage.Mid:
		def = r.cfg.MidDefaults
	case triage.Hard:
		def = r.cfg.HardDefaults
	default:
		return Thinking{} // cheap runs without thinking
	}

	m, ok := r.catalog.Lookup(slug)
	if !ok || m.Params.Thinking.Type == "" {
		return Thinking{}
	}
	switch m.Params.Thinking.Type {
	case "effort":
		effort := def.Effort
		if effort == "" {
			effort = "medium"
		}
		return Thinking{Effort: effort}
	case "budget":
		budget := def.Budget
		if budget <= 0 {
			budget = m.Params.Thinking.Ranges.Medium
		}
		ranges := m.Params.Thinking.Ranges
		if ranges.Low > 0 && budget < ranges.Low {
			budget = ranges.Low
		}
		if ranges.Max > 0 && budget > ranges.Max {
			budget = ranges.Max
		}
		return Thinking{Budget: budget}
	default:
		return Thinking{}
	}
}

// modelAllowed reports whether slug appears in any configured candidate
// list.
func (r *Router) modelAllowed(slug string) bool {
	for _, list := range [][]string{r.cfg.CheapCandidates, r.cfg.MidCandidates, r.cfg.HardCandidates} {
		for _, s := range list {
			if s == slug {
				return true
			}
		}
	}
	return false
}

func shortlistLookup(models []catalog.Model, slug string) (catalog.Model, bool) {
	for _, m := range models {
		if m.Slug == slug {
			return m, true
		}
	}
	return catalog.Model{}, false
}
