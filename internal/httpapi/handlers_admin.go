package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelmux/modelmux/internal/store"
)

// StatusHandler summarizes the running instance.
func StatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{
			"catalog_models": d.Catalog.ModelCount(),
			"catalog_source": d.Catalog.Source(),
		}
		if art := d.Artifacts.Current(); art != nil {
			out["artifact_version"] = art.Version
			out["artifact_fingerprint"] = art.Fingerprint()
		}
		if d.Cooldowns != nil {
			out["cooldowns_live"] = d.Cooldowns.LiveCount()
		}
		if d.Observer != nil {
			out["records"] = d.Observer.RecordCount()
		}
		if d.Plugins != nil {
			out["plugins"] = d.Plugins.Names()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// DecisionsHandler queries the decision log with optional bucket, provider,
// since, limit, and offset parameters.
func DecisionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "decision log disabled", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		filter := store.DecisionFilter{
			Bucket:   q.Get("bucket"),
			Provider: q.Get("provider"),
			Limit:    intParam(q.Get("limit"), 100),
			Offset:   intParam(q.Get("offset"), 0),
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "invalid since timestamp", http.StatusBadRequest)
				return
			}
			filter.Since = t
		}
		rows, err := d.Store.ListDecisions(r.Context(), filter)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": rows, "count": len(rows)})
	}
}

// CooldownsHandler lists active per-user cool-downs.
func CooldownsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Cooldowns == nil {
			jsonError(w, "cooldowns disabled", http.StatusNotFound)
			return
		}
		entries := d.Cooldowns.Entries()
		writeJSON(w, http.StatusOK, map[string]any{
			"cooldowns": entries,
			"count":     len(entries),
		})
	}
}

// CooldownClearHandler removes one user's cool-down ahead of expiry.
func CooldownClearHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Cooldowns == nil {
			jsonError(w, "cooldowns disabled", http.StatusNotFound)
			return
		}
		key := chi.URLParam(r, "key")
		d.Cooldowns.Clear(key)
		audit(d, r, "cooldown.clear", key, "")
		writeJSON(w, http.StatusOK, map[string]any{"cleared": key})
	}
}

// ArtifactInfoHandler reports the live artifact.
func ArtifactInfoHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		art := d.Artifacts.Current()
		if art == nil {
			jsonError(w, "no artifact loaded", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":     art.Version,
			"fingerprint": art.Fingerprint(),
			"clusters":    art.NumClusters(),
			"dim":         art.Dim(),
		})
	}
}

// ArtifactReloadHandler triggers an immediate reload from the source.
func ArtifactReloadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		swapped, err := d.Artifacts.Reload(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		version := ""
		if art := d.Artifacts.Current(); art != nil {
			version = art.Version
		}
		audit(d, r, "artifact.reload", version, "")
		writeJSON(w, http.StatusOK, map[string]any{
			"swapped": swapped,
			"version": version,
		})
	}
}

// SLOHandler answers the deployment validator.
func SLOHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Gates == nil {
			jsonError(w, "slo gates disabled", http.StatusNotFound)
			return
		}
		report := d.Gates.Evaluate()
		code := http.StatusOK
		if !report.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// CatalogHandler snapshots the model catalog.
func CatalogHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"source":     d.Catalog.Source(),
			"fetched_at": d.Catalog.FetchedAt(),
			"models":     d.Catalog.Models(),
		})
	}
}

// ProviderHealthHandler reports per-provider health state.
func ProviderHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			jsonError(w, "health tracking disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d.Health.AllStats())
	}
}

// StatsHandler returns the rolling-window aggregates.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Observer == nil {
			jsonError(w, "stats disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"windows": d.Observer.Summary(),
			"recent":  d.Observer.Recent(20),
		})
	}
}

// ConfigHandler returns the redacted running configuration.
func ConfigHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.ConfigView == nil {
			jsonError(w, "config view disabled", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d.ConfigView())
	}
}

// AuditLogsHandler lists admin mutations.
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			jsonError(w, "audit log disabled", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		logs, err := d.Store.ListAuditLogs(r.Context(),
			intParam(q.Get("limit"), 100), intParam(q.Get("offset"), 0))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"audit": logs, "count": len(logs)})
	}
}

// AdminTokenRotateHandler replaces the admin token with a fresh random one.
// The caller's current token stops working as soon as the response is sent.
func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Admin == nil {
			jsonError(w, "admin token disabled", http.StatusNotFound)
			return
		}
		token, err := d.Admin.Rotate(d.logger())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "admin_token.rotate", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": token})
	}
}

func audit(d Dependencies, r *http.Request, action, resource, detail string) {
	if d.Store == nil {
		return
	}
	entry := store.AuditEntry{
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	}
	if err := d.Store.LogAudit(r.Context(), entry); err != nil {
		d.logger().Warn("audit write failed", "action", action, "error", err)
	}
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
