// Package httpapi is the HTTP surface: the OpenAI-compatible completions
// endpoint, liveness/readiness probes, Prometheus metrics, and the
// token-guarded admin API.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelmux/modelmux/internal/artifact"
	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/cooldown"
	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/observe"
	"github.com/modelmux/modelmux/internal/plugin"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/store"
)

type Dependencies struct {
	Router    *router.Router
	Engine    *engine.Engine
	Plugins   *plugin.Manager
	Auth      *auth.Registry
	OAuth     *auth.OAuthFlow
	Catalog   *catalog.Client
	Artifacts *artifact.Loader
	Cooldowns *cooldown.Ledger
	Health    *health.Tracker
	Observer  *observe.Collector
	Gates     *observe.Gatekeeper
	Metrics   *metrics.Registry
	Store     store.Store
	EventBus  *events.Bus
	Admin     *AdminTokenHolder
	Limiter   *ratelimit.Limiter
	Logger    *slog.Logger

	// ConfigView returns the redacted running configuration.
	ConfigView func() map[string]any
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewRouter builds the full chi router with standard middleware.
func NewRouter(d Dependencies) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(d.logger()))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	MountRoutes(r, d)
	return r
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	// Ready only once an artifact is live and the catalog has models.
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		art := d.Artifacts.Current()
		models := d.Catalog.ModelCount()
		if art == nil || models == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":          "not_ready",
				"artifact_loaded": art != nil,
				"catalog_models":  models,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":           "ready",
			"artifact_version": art.Version,
			"catalog_models":   models,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		r.Post("/chat/completions", ChatCompletionsHandler(d))
		r.Post("/oauth/initiate", OAuthInitiateHandler(d))
		r.Post("/oauth/exchange", OAuthExchangeHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(d.Admin))
		r.Get("/status", StatusHandler(d))
		r.Get("/decisions", DecisionsHandler(d))
		r.Get("/cooldowns", CooldownsHandler(d))
		r.Delete("/cooldowns/{key}", CooldownClearHandler(d))
		r.Get("/artifact", ArtifactInfoHandler(d))
		r.Post("/artifact/reload", ArtifactReloadHandler(d))
		r.Get("/slo", SLOHandler(d))
		r.Get("/catalog", CatalogHandler(d))
		r.Get("/health", ProviderHealthHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/config", ConfigHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
