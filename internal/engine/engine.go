package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/cooldown"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/router"
)

// maxAttempts caps the fallback protocol at the primary plus two retries.
const maxAttempts = 3

// defaultRerouteBudget bounds the anthropic-429 re-selection.
const defaultRerouteBudget = 300 * time.Millisecond

// Provider is the adapter surface the engine drives. The packages under
// internal/providers implement it.
type Provider interface {
	Kind() string
	Send(ctx context.Context, creds auth.Credentials, req providers.Request) (providers.Response, error)
	SendStream(ctx context.Context, creds auth.Credentials, req providers.Request) (io.ReadCloser, error)
	Classify(err error) *Error
}

// Rerouter re-runs selection; *router.Router satisfies it.
type Rerouter interface {
	Reroute(d router.Decision, f features.Features, userKey string, exclude ...router.Kind) (router.Decision, error)
	ReselectLongContext(d router.Decision, f features.Features, userKey string) (router.Decision, error)
}

// TokenRefresher renews OAuth bearer credentials after a provider rejects
// them. *auth.OAuthFlow satisfies it.
type TokenRefresher interface {
	Refresh(ctx context.Context, userKey, refreshToken string) (auth.Credentials, error)
}

// Health is the tracker surface the engine feeds.
type Health interface {
	RecordSuccess(provider string, latencyMs float64)
	RecordError(provider string, errMsg string)
	MarkRateLimited(provider string)
	IsAvailable(provider string) bool
}

// Result is what one executed decision produced, for the observability
// record.
type Result struct {
	Response       providers.Response
	Provider       string
	Model          string
	LatencyMs      float64
	Attempts       int
	FallbackUsed   bool
	FallbackReason string
	Anthropic429   bool
	Rerouted       bool
}

// Engine executes routing decisions against the provider adapters.
type Engine struct {
	adapters      map[string]Provider
	registry      *auth.Registry
	cooldowns     *cooldown.Ledger
	rerouter      Rerouter
	health        Health
	refresher     TokenRefresher
	bus           *events.Bus
	metrics       *metrics.Registry
	logger        *slog.Logger
	rerouteBudget time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus attaches the event bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics attaches the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithHealth attaches the health tracker.
func WithHealth(h Health) Option {
	return func(e *Engine) { e.health = h }
}

// WithTokenRefresher attaches the OAuth refresh flow. A rejected OAuth
// bearer then gets one refresh-and-retry per provider before surfacing.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(e *Engine) { e.refresher = r }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(e *Engine) { e.logger = lg }
}

// WithRerouteBudget overrides the anthropic-429 re-selection budget.
func WithRerouteBudget(d time.Duration) Option {
	return func(e *Engine) { e.rerouteBudget = d }
}

// New creates an Engine over the given adapters, keyed by provider kind.
func New(adapters []Provider, registry *auth.Registry, cooldowns *cooldown.Ledger, rerouter Rerouter, opts ...Option) *Engine {
	m := make(map[string]Provider, len(adapters))
	for _, p := range adapters {
		m[p.Kind()] = p
	}
	e := &Engine{
		adapters:      m,
		registry:      registry,
		cooldowns:     cooldowns,
		rerouter:      rerouter,
		logger:        slog.Default(),
		rerouteBudget: defaultRerouteBudget,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// candidate is one (kind, slug) pair in attempt order.
type candidate struct {
	kind string
	slug string
}

func candidates(d router.Decision) []candidate {
	out := make([]candidate, 0, 1+len(d.Fallbacks))
	out = append(out, candidate{kind: string(d.Provider), slug: d.Model})
	for _, fb := range d.Fallbacks {
		out = append(out, candidate{kind: string(fb.Kind), slug: fb.Slug})
	}
	return out
}

// Execute runs the fallback protocol for a decision and returns the first
// successful response. hdr carries the caller's credentials; userKey is the
// cool-down hash of the caller's token.
func (e *Engine) Execute(ctx context.Context, d router.Decision, f features.Features, hdr http.Header, userKey string, req providers.Request) (Result, error) {
	res := Result{Provider: string(d.Provider), Model: d.Model}

	queue := candidates(d)
	bo := newBackoff()
	reselected := false
	refreshed := map[string]auth.Credentials{}
	var lastErr *Error

	for len(queue) > 0 && res.Attempts < maxAttempts {
		c := queue[0]
		queue = queue[1:]

		if e.health != nil && !e.health.IsAvailable(c.kind) && len(queue) > 0 {
			res.FallbackUsed = true
			res.FallbackReason = "provider_unavailable"
			e.countFallback("provider_unavailable", c.kind)
			continue
		}

		adapter, ok := e.adapters[c.kind]
		if !ok {
			lastErr = &Error{Kind: ProviderPermanent, Provider: c.kind,
				Err: fmt.Errorf("no adapter for provider %q", c.kind)}
			continue
		}

		creds, err := e.registry.ResolveFor(c.kind, hdr)
		if err != nil {
			// Only env-credentialed adapters may serve after a credential
			// mismatch, and ResolveFor already enforced that.
			lastErr = &Error{Kind: AuthMissing, Provider: c.kind, Err: err}
			continue
		}
		if fresh, ok := refreshed[c.kind]; ok {
			creds = fresh
		}

		if res.Attempts > 0 {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return res, &Error{Kind: ProviderTransient, Provider: c.kind, Err: err}
			}
		}
		res.Attempts++
		res.Provider = c.kind
		res.Model = c.slug

		callReq := req
		callReq.Model = c.slug
		e.applyDecision(&callReq, d, c.kind)

		start := time.Now()
		resp, err := adapter.Send(ctx, creds, callReq)
		elapsed := float64(time.Since(start).Milliseconds())

		if err == nil {
			res.Response = resp
			res.LatencyMs = elapsed
			e.recordSuccess(d, c, elapsed)
			return res, nil
		}

		cerr := adapter.Classify(err)
		lastErr = cerr
		e.recordError(d, c, cerr)

		switch cerr.Kind {
		case RateLimit:
			if e.health != nil {
				e.health.MarkRateLimited(c.kind)
			}
			if c.kind == string(router.KindAnthropic) {
				res.Anthropic429 = true
				nd, rerr := e.rerouteAnthropic(d, f, userKey)
				if rerr != nil {
					return res, cerr
				}
				d = nd
				queue = candidates(nd)
				res.Rerouted = true
				res.FallbackUsed = true
				res.FallbackReason = "anthropic_429"
				continue
			}
			res.FallbackUsed = true
			res.FallbackReason = "rate_limit"
			e.countFallback("rate_limit", c.kind)
		case ProviderTransient:
			res.FallbackUsed = true
			res.FallbackReason = "provider_transient"
			e.countFallback("provider_transient", c.kind)
		case ContextOverflow:
			if reselected {
				return res, cerr
			}
			reselected = true
			nd, rerr := e.rerouter.ReselectLongContext(d, f, userKey)
			if rerr != nil {
				return res, cerr
			}
			d = nd
			queue = candidates(nd)
			res.FallbackUsed = true
			res.FallbackReason = "context_overflow"
			e.countFallback("context_overflow", c.kind)
		case AuthMissing:
			// Try the next candidate; a different provider may hold env
			// credentials.
			res.FallbackUsed = true
			res.FallbackReason = "auth_missing"
			e.countFallback("auth_missing", c.kind)
		case AuthInvalid:
			fresh, ok := e.refreshOnce(ctx, refreshed, c.kind, creds, userKey)
			if !ok {
				return res, cerr
			}
			refreshed[c.kind] = fresh
			queue = append([]candidate{c}, queue...)
			res.FallbackUsed = true
			res.FallbackReason = "token_refresh"
			e.countFallback("token_refresh", c.kind)
		default:
			// ProviderPermanent: surface immediately.
			return res, cerr
		}
	}

	if lastErr == nil {
		lastErr = &Error{Kind: ProviderPermanent, Err: fmt.Errorf("no candidates to execute")}
	}
	return res, lastErr
}

// ExecuteStream is Execute for streaming responses. Fallback applies only
// until the stream is established; after that the body belongs to the
// caller.
func (e *Engine) ExecuteStream(ctx context.Context, d router.Decision, f features.Features, hdr http.Header, userKey string, req providers.Request) (io.ReadCloser, Result, error) {
	res := Result{Provider: string(d.Provider), Model: d.Model}

	queue := candidates(d)
	bo := newBackoff()
	refreshed := map[string]auth.Credentials{}
	var lastErr *Error

	for len(queue) > 0 && res.Attempts < maxAttempts {
		c := queue[0]
		queue = queue[1:]

		if e.health != nil && !e.health.IsAvailable(c.kind) && len(queue) > 0 {
			res.FallbackUsed = true
			res.FallbackReason = "provider_unavailable"
			continue
		}
		adapter, ok := e.adapters[c.kind]
		if !ok {
			lastErr = &Error{Kind: ProviderPermanent, Provider: c.kind,
				Err: fmt.Errorf("no adapter for provider %q", c.kind)}
			continue
		}
		creds, err := e.registry.ResolveFor(c.kind, hdr)
		if err != nil {
			lastErr = &Error{Kind: AuthMissing, Provider: c.kind, Err: err}
			continue
		}
		if fresh, ok := refreshed[c.kind]; ok {
			creds = fresh
		}

		if res.Attempts > 0 {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return nil, res, &Error{Kind: ProviderTransient, Provider: c.kind, Err: err}
			}
		}
		res.Attempts++
		res.Provider = c.kind
		res.Model = c.slug

		callReq := req
		callReq.Model = c.slug
		e.applyDecision(&callReq, d, c.kind)

		start := time.Now()
		body, err := adapter.SendStream(ctx, creds, callReq)
		elapsed := float64(time.Since(start).Milliseconds())

		if err == nil {
			res.LatencyMs = elapsed
			e.recordSuccess(d, c, elapsed)
			return body, res, nil
		}

		cerr := adapter.Classify(err)
		lastErr = cerr
		e.recordError(d, c, cerr)

		switch cerr.Kind {
		case RateLimit:
			if e.health != nil {
				e.health.MarkRateLimited(c.kind)
			}
			if c.kind == string(router.KindAnthropic) {
				res.Anthropic429 = true
				nd, rerr := e.rerouteAnthropic(d, f, userKey)
				if rerr != nil {
					return nil, res, cerr
				}
				d = nd
				queue = candidates(nd)
				res.Rerouted = true
				res.FallbackUsed = true
				res.FallbackReason = "anthropic_429"
				continue
			}
			res.FallbackUsed = true
			res.FallbackReason = "rate_limit"
		case ProviderTransient, AuthMissing:
			res.FallbackUsed = true
			res.FallbackReason = string(cerr.Kind)
		case AuthInvalid:
			fresh, ok := e.refreshOnce(ctx, refreshed, c.kind, creds, userKey)
			if !ok {
				return nil, res, cerr
			}
			refreshed[c.kind] = fresh
			queue = append([]candidate{c}, queue...)
			res.FallbackUsed = true
			res.FallbackReason = "token_refresh"
		default:
			return nil, res, cerr
		}
	}

	if lastErr == nil {
		lastErr = &Error{Kind: ProviderPermanent, Err: fmt.Errorf("no candidates to execute")}
	}
	return nil, res, lastErr
}

// refreshOnce renews a rejected OAuth bearer through the refresh flow. At
// most one refresh per provider kind per request; a second rejection with
// fresh credentials surfaces to the caller.
func (e *Engine) refreshOnce(ctx context.Context, refreshed map[string]auth.Credentials, kind string, creds auth.Credentials, userKey string) (auth.Credentials, bool) {
	if e.refresher == nil || !refreshableCreds(creds) {
		return auth.Credentials{}, false
	}
	if _, done := refreshed[kind]; done {
		return auth.Credentials{}, false
	}
	fresh, err := e.refresher.Refresh(ctx, userKey, creds.RefreshToken)
	if err != nil {
		e.logger.Warn("token refresh failed",
			slog.String("provider", kind),
			slog.String("error", err.Error()))
		return auth.Credentials{}, false
	}
	e.logger.Info("oauth bearer refreshed", slog.String("provider", kind))
	return fresh, true
}

// refreshableCreds reports whether creds are an OAuth bearer the refresh
// flow can renew: either a refresh token travelled with the request, or the
// access token is Google-issued and the flow's store may hold one.
func refreshableCreds(creds auth.Credentials) bool {
	if creds.Type != auth.TypeBearer {
		return false
	}
	return creds.RefreshToken != "" || strings.HasPrefix(creds.Token, "ya29.")
}

// rerouteAnthropic sets the cool-down and re-runs selection with
// anthropic-kind excluded, bounded by the reroute budget.
func (e *Engine) rerouteAnthropic(d router.Decision, f features.Features, userKey string) (router.Decision, error) {
	if userKey != "" && e.cooldowns != nil {
		entry := e.cooldowns.Set(userKey, "anthropic_429")
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:       events.EventCooldownSet,
				DecisionID: d.ID,
				UserKey:    userKey,
				ExpiresAt:  entry.ExpiresAt,
			})
		}
	}
	if e.metrics != nil {
		e.metrics.RateLimitsTotal.WithLabelValues(string(router.KindAnthropic)).Inc()
	}

	done := make(chan struct{})
	var nd router.Decision
	var err error
	go func() {
		defer close(done)
		nd, err = e.rerouter.Reroute(d, f, userKey, router.KindAnthropic)
	}()
	select {
	case <-done:
	case <-time.After(e.rerouteBudget):
		return router.Decision{}, fmt.Errorf("engine: reroute exceeded %s budget", e.rerouteBudget)
	}
	if err != nil {
		return router.Decision{}, err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:         events.EventReroute,
			DecisionID:   nd.ID,
			Provider:     string(nd.Provider),
			Model:        nd.Model,
			FromProvider: string(router.KindAnthropic),
		})
	}
	return nd, nil
}

// applyDecision maps decision parameters onto the provider request. The
// thinking parameter travels as effort or budget depending on what the
// decision carries; aggregator calls also get the preference object.
func (e *Engine) applyDecision(req *providers.Request, d router.Decision, kind string) {
	if req.ThinkingEffort == "" && req.ThinkingBudget == 0 {
		req.ThinkingEffort = d.Thinking.Effort
		req.ThinkingBudget = d.Thinking.Budget
	}
	if req.MaxTokens == 0 && d.MaxTokens > 0 {
		req.MaxTokens = d.MaxTokens
	}
	if kind == string(router.KindAggregator) {
		req.Prefs = &providers.RoutePrefs{
			Sort:           d.Prefs.Sort,
			MaxPrice:       d.Prefs.MaxPrice,
			AllowFallbacks: d.Prefs.AllowFallbacks,
		}
	} else {
		req.Prefs = nil
	}
}

func (e *Engine) recordSuccess(d router.Decision, c candidate, elapsedMs float64) {
	if e.health != nil {
		e.health.RecordSuccess(c.kind, elapsedMs)
	}
	if e.metrics != nil {
		e.metrics.ProviderCallsTotal.WithLabelValues(c.kind, "2xx").Inc()
		e.metrics.RequestLatency.WithLabelValues(string(d.Bucket), c.kind).Observe(elapsedMs)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:       events.EventRouteSuccess,
			DecisionID: d.ID,
			Bucket:     string(d.Bucket),
			Provider:   c.kind,
			Model:      c.slug,
			LatencyMs:  elapsedMs,
		})
	}
}

func (e *Engine) recordError(d router.Decision, c candidate, cerr *Error) {
	if e.health != nil && cerr.Kind != RateLimit {
		e.health.RecordError(c.kind, cerr.Error())
	}
	if e.metrics != nil {
		status := "error"
		if cerr.Status > 0 {
			status = fmt.Sprintf("%dxx", cerr.Status/100)
		}
		e.metrics.ProviderCallsTotal.WithLabelValues(c.kind, status).Inc()
		if cerr.IsRateLimit() {
			e.metrics.RateLimitsTotal.WithLabelValues(c.kind).Inc()
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:       events.EventRouteError,
			DecisionID: d.ID,
			Bucket:     string(d.Bucket),
			Provider:   c.kind,
			Model:      c.slug,
			ErrorKind:  string(cerr.Kind),
			ErrorMsg:   cerr.Error(),
		})
	}
	e.logger.Warn("provider call failed",
		slog.String("provider", c.kind),
		slog.String("model", c.slug),
		slog.String("kind", string(cerr.Kind)),
		slog.Int("status", cerr.Status))
}

func (e *Engine) countFallback(reason, provider string) {
	if e.metrics != nil {
		e.metrics.FallbacksTotal.WithLabelValues(reason, provider).Inc()
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:         events.EventFallback,
			Reason:       reason,
			FromProvider: provider,
		})
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
