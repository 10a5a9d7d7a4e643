package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/modelmux/modelmux/internal/artifact"
	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/centroids"
	"github.com/modelmux/modelmux/internal/cooldown"
	"github.com/modelmux/modelmux/internal/embedding"
	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/httpapi"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/observe"
	"github.com/modelmux/modelmux/internal/plugin"
	"github.com/modelmux/modelmux/internal/providers/aggregator"
	"github.com/modelmux/modelmux/internal/providers/anthropic"
	"github.com/modelmux/modelmux/internal/providers/gemini"
	"github.com/modelmux/modelmux/internal/providers/openai"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tracing"
	"github.com/modelmux/modelmux/internal/triage"
)

// sloCheckInterval paces the background SLO gate evaluation.
const sloCheckInterval = time.Minute

// Server owns every long-lived component and their shutdown order.
type Server struct {
	cfg     Config
	handler http.Handler
	logger  *slog.Logger

	store     *store.SQLiteStore
	catalog   *catalog.Client
	artifacts *artifact.Loader
	extractor *features.Extractor
	cooldowns *cooldown.Ledger
	prober    *health.Prober
	limiter   *ratelimit.Limiter
	plugins   *plugin.Manager
	gates     *observe.Gatekeeper

	stopCatalog   func()
	stopArtifacts func()
	stopSLO       chan struct{}
	traceShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	m := metrics.New()
	bus := events.NewBus()

	db, err := store.NewSQLite(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info("decision log ready", slog.String("dsn", cfg.Store.DSN))

	cat := catalog.New(cfg.Catalog.BaseURL,
		catalog.WithTTL(time.Duration(cfg.Catalog.RefreshSeconds)*time.Second),
		catalog.WithLogger(logger))

	loader := artifact.NewLoader(cfg.Tuning.ArtifactURL,
		artifact.WithInterval(time.Duration(cfg.Tuning.ReloadSeconds)*time.Second),
		artifact.WithLogger(logger),
		artifact.WithSnapshotPath(filepath.Join(cfg.DataDir, "artifact-snapshot.json")),
		artifact.WithReloadObserver(func(outcome string) {
			m.ArtifactReloads.WithLabelValues(outcome).Inc()
		}))
	if err := loader.Bootstrap(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("artifact bootstrap: %w", err)
	}
	art := loader.Current()

	index, err := centroids.New(art.Centroids)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("centroid index: %w", err)
	}

	var remotes []embedding.Backend
	for _, r := range cfg.Embedding.Remotes {
		remotes = append(remotes, embedding.NewHTTP(r.Name, r.BaseURL, r.Model, cfg.Embedding.Dim,
			embedding.WithAPIKey(r.APIKey)))
	}
	chain := embedding.NewChain(cfg.Embedding.Dim, remotes, embedding.WithLogger(logger))

	extractor := features.New(chain, index, features.Config{},
		features.WithLogger(logger),
		features.WithLatencyObserver(m.ExtractionLatency),
		features.WithFallbackCounter(m.EmbeddingFallbacks))

	classifier := triage.New(art, logger, triage.WithLatencyObserver(m.TriageLatency))

	var ledger *cooldown.Ledger
	ledger = cooldown.New(cooldown.WithOnSet(func(cooldown.Entry) {
		m.CooldownsLive.Set(float64(ledger.LiveCount()))
	}))

	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	rt := router.New(cfg.RouterConfig(), loader, extractor, classifier, cat, ledger,
		router.WithLatencyHinter(tracker),
		router.WithLogger(logger))

	// Artifact swaps propagate to the classifier and the centroid index
	// without restarting anything downstream.
	loader.OnSwap(func(a *artifact.Artifact) {
		if err := index.Swap(a.Centroids); err != nil {
			logger.Error("centroid swap rejected", slog.String("error", err.Error()))
		}
		classifier.Reload(a)
		bus.Publish(events.Event{
			Type:            events.EventArtifactSwap,
			ArtifactVersion: a.Version,
			Fingerprint:     a.Fingerprint(),
		})
	})

	adapters, probeables := buildAdapters(cfg, logger)
	registry := buildAuthRegistry(cfg)

	oauthFlow, err := buildOAuthFlow(cfg, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("oauth flow: %w", err)
	}

	engineOpts := []engine.Option{
		engine.WithEventBus(bus),
		engine.WithMetrics(m),
		engine.WithHealth(tracker),
		engine.WithLogger(logger),
	}
	if oauthFlow != nil {
		engineOpts = append(engineOpts, engine.WithTokenRefresher(oauthFlow))
	}
	eng := engine.New(adapters, registry, ledger, rt, engineOpts...)

	prober := health.NewProber(health.DefaultProberConfig(), tracker, probeables, logger)

	collector := observe.NewCollector(observe.WithCooldownCount(ledger.LiveCount))
	seedCollector(collector, db, logger)

	gates := observe.NewGatekeeper(cfg.SLOConfig(), collector, "1h", logger)

	limiter := ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, time.Minute,
		ratelimit.WithCounter(m.RateLimitsTotal.WithLabelValues("inbound")))

	plugins := plugin.NewManager()

	admin, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.DataDir, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("admin token: %w", err)
	}

	var handler http.Handler = httpapi.NewRouter(httpapi.Dependencies{
		Router:     rt,
		Engine:     eng,
		Plugins:    plugins,
		Auth:       registry,
		OAuth:      oauthFlow,
		Catalog:    cat,
		Artifacts:  loader,
		Cooldowns:  ledger,
		Health:     tracker,
		Observer:   collector,
		Gates:      gates,
		Metrics:    m,
		Store:      db,
		EventBus:   bus,
		Admin:      admin,
		Limiter:    limiter,
		Logger:     logger,
		ConfigView: cfg.View,
	})
	handler = tracing.Middleware()(handler)

	s := &Server{
		cfg:           cfg,
		handler:       handler,
		logger:        logger,
		store:         db,
		catalog:       cat,
		artifacts:     loader,
		extractor:     extractor,
		cooldowns:     ledger,
		prober:        prober,
		limiter:       limiter,
		plugins:       plugins,
		gates:         gates,
		traceShutdown: traceShutdown,
	}
	return s, nil
}

// Start launches the background refresh loops. It does not block.
func (s *Server) Start() {
	s.stopCatalog = s.catalog.Start()
	s.stopArtifacts = s.artifacts.Start()
	s.prober.Start()

	s.stopSLO = make(chan struct{})
	go func() {
		ticker := time.NewTicker(sloCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopSLO:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.gates.Check(ctx)
				cancel()
			}
		}
	}()
}

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler { return s.handler }

// Plugins exposes the plugin manager so the entrypoint can register
// deployment-specific hooks before serving.
func (s *Server) Plugins() *plugin.Manager { return s.plugins }

// Close stops background loops in reverse start order and flushes state.
func (s *Server) Close() error {
	if s.stopSLO != nil {
		close(s.stopSLO)
		s.stopSLO = nil
	}
	s.prober.Stop()
	if s.stopArtifacts != nil {
		s.stopArtifacts()
		s.stopArtifacts = nil
	}
	if s.stopCatalog != nil {
		s.stopCatalog()
		s.stopCatalog = nil
	}
	s.limiter.Stop()
	s.cooldowns.Stop()
	s.extractor.Close()

	var errs []error
	if err := s.plugins.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("plugin cleanup: %w", err))
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		cancel()
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func buildAdapters(cfg Config, logger *slog.Logger) ([]engine.Provider, []health.Probeable) {
	timeout := time.Duration(cfg.Providers.TimeoutSecs) * time.Second
	var adapters []engine.Provider
	var probeables []health.Probeable
	for _, name := range cfg.AuthAdapters.Enabled {
		switch name {
		case "anthropic":
			a := anthropic.New("", anthropic.WithTimeout(timeout))
			adapters = append(adapters, a)
			probeables = append(probeables, a)
		case "openai":
			a := openai.New("", openai.WithTimeout(timeout))
			adapters = append(adapters, a)
			probeables = append(probeables, a)
		case "gemini":
			a := gemini.New("", gemini.WithTimeout(timeout))
			adapters = append(adapters, a)
			probeables = append(probeables, a)
		case "aggregator":
			a := aggregator.New("", aggregator.WithTimeout(timeout))
			adapters = append(adapters, a)
			probeables = append(probeables, a)
		}
		logger.Info("provider adapter enabled", slog.String("provider", name))
	}
	return adapters, probeables
}

// buildOAuthFlow constructs the PKCE flow when oauth.client_id is set.
// Refresh tokens are sealed under the client secret; a public client with no
// secret gets a per-boot key, so its stored tokens do not survive restarts.
func buildOAuthFlow(cfg Config, logger *slog.Logger) (*auth.OAuthFlow, error) {
	if cfg.OAuth.ClientID == "" {
		return nil, nil
	}
	seal := []byte(cfg.OAuth.ClientSecret)
	if len(seal) == 0 {
		seal = make([]byte, 32)
		if _, err := rand.Read(seal); err != nil {
			return nil, err
		}
	}
	tokens, err := auth.NewTokenStore(seal)
	if err != nil {
		return nil, err
	}
	logger.Info("oauth flow enabled", slog.String("client_id", cfg.OAuth.ClientID))
	return auth.NewOAuthFlow(auth.OAuthConfig{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
	}, tokens), nil
}

func buildAuthRegistry(cfg Config) *auth.Registry {
	r := auth.NewRegistry()
	for _, name := range cfg.AuthAdapters.Enabled {
		switch name {
		case "anthropic":
			r.Register(auth.AnthropicAdapter{})
		case "openai":
			r.Register(auth.OpenAIAdapter{})
		case "gemini":
			r.Register(auth.GeminiAdapter{})
		case "aggregator":
			r.Register(auth.AggregatorAdapter{})
		}
	}
	return r
}

// seedCollector warms the in-memory windows from the decision log so SLO
// gates have history immediately after a restart.
func seedCollector(c *observe.Collector, db *store.SQLiteStore, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	records, err := db.RecentRecords(ctx, time.Now().Add(-25*time.Hour))
	if err != nil {
		logger.Warn("decision log seed failed", slog.String("error", err.Error()))
		return
	}
	c.Seed(records)
	if len(records) > 0 {
		logger.Info("observability windows seeded", slog.Int("records", len(records)))
	}
}
