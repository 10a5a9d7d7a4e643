package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/modelmux/modelmux/internal/cooldown"
	"github.com/modelmux/modelmux/internal/engine"
	"github.com/modelmux/modelmux/internal/features"
	"github.com/modelmux/modelmux/internal/observe"
	"github.com/modelmux/modelmux/internal/plugin"
	"github.com/modelmux/modelmux/internal/providers"
	"github.com/modelmux/modelmux/internal/router"
)

// maxStreamBytes bounds a single streamed response body.
const maxStreamBytes = 64 << 20

// CompletionsRequest is the OpenAI-compatible request for
// /v1/chat/completions. "auto" (or empty) model means routed selection;
// any other value pins the model.
type CompletionsRequest struct {
	Model    string              `json:"model"`
	Messages []providers.Message `json:"messages"`
	Stream   bool                `json:"stream,omitempty"`

	// Optional parameters forwarded to the provider.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        any      `json:"stop,omitempty"`
}

// decisionHeader carries the opaque decision id back to the caller.
const decisionHeader = "X-Modelmux-Decision-Id"

func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		var req CompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Messages) == 0 {
			jsonError(w, "messages is required", http.StatusBadRequest)
			return
		}

		pinned := req.Model
		if pinned == "auto" {
			pinned = ""
		}

		userKey := callerKey(d, r.Header)

		provReq := providers.Request{
			Model:    req.Model,
			Messages: req.Messages,
		}
		if req.MaxTokens != nil {
			provReq.MaxTokens = *req.MaxTokens
		}
		extra := map[string]any{}
		if req.Temperature != nil {
			extra["temperature"] = *req.Temperature
		}
		if req.TopP != nil {
			extra["top_p"] = *req.TopP
		}
		if req.Stop != nil {
			extra["stop"] = req.Stop
		}
		if len(extra) > 0 {
			provReq.Extra = extra
		}

		if d.Plugins != nil {
			next, sc, err := d.Plugins.RunPreHooks(r.Context(), &provReq)
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			provReq = *next
			if sc != nil {
				handleShortCircuit(d, w, reqID, sc, start)
				return
			}
		}

		text := promptText(provReq.Messages)
		decision, feats, err := d.Router.Decide(r.Context(), text, userKey, pinned)
		if err != nil {
			recordDenied(d, r, reqID, pinned, err, start)
			switch {
			case errors.Is(err, router.ErrModelNotAllowed):
				jsonError(w, "requested model is not routable: "+req.Model, http.StatusForbidden)
			case errors.Is(err, router.ErrNoCandidates):
				jsonError(w, "no routable model available", http.StatusServiceUnavailable)
			default:
				jsonError(w, err.Error(), http.StatusServiceUnavailable)
			}
			return
		}

		w.Header().Set(decisionHeader, decision.ID)
		w.Header().Set("X-Modelmux-Model", decision.Model)

		if req.Stream {
			streamCompletion(d, w, r, decision, feats, userKey, provReq, reqID, start)
			return
		}

		res, execErr := d.Engine.Execute(r.Context(), decision, feats, r.Header, userKey, provReq)
		var execErrTyped *engine.Error
		if execErr != nil {
			errors.As(execErr, &execErrTyped)
		}
		if d.Plugins != nil {
			resp := &res.Response
			if execErr != nil {
				resp = nil
			}
			resp, execErrTyped, _ = d.Plugins.RunPostHooks(r.Context(), resp, execErrTyped)
			if resp != nil {
				res.Response = *resp
			}
			if execErrTyped == nil {
				execErr = nil
			} else {
				execErr = execErrTyped
			}
		}

		latencyMs := float64(time.Since(start).Milliseconds())
		rec := buildRecord(d, decision, feats, res, reqID, execErr == nil, latencyMs)
		recordObservability(d, r, rec, decision)

		if execErr != nil {
			writeUpstreamError(w, execErrTyped, execErr)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Response.Body)
	}
}

func streamCompletion(d Dependencies, w http.ResponseWriter, r *http.Request, decision router.Decision, feats features.Features, userKey string, provReq providers.Request, reqID string, start time.Time) {
	body, res, err := d.Engine.ExecuteStream(r.Context(), decision, feats, r.Header, userKey, provReq)
	if err != nil {
		var typed *engine.Error
		errors.As(err, &typed)
		rec := buildRecord(d, decision, feats, res, reqID, false, float64(time.Since(start).Milliseconds()))
		recordObservability(d, r, rec, decision)
		writeUpstreamError(w, typed, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var totalBytes int64
	streamSuccess := true
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			totalBytes += int64(n)
			if totalBytes > maxStreamBytes {
				d.logger().Warn("stream: max size exceeded",
					slog.String("request_id", reqID),
					slog.String("model", res.Model),
					slog.Int64("bytes", totalBytes))
				streamSuccess = false
				break
			}
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				streamSuccess = false
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				d.logger().Warn("stream: read error",
					slog.String("request_id", reqID),
					slog.String("model", res.Model),
					slog.String("error", readErr.Error()))
				streamSuccess = false
			}
			break
		}
	}

	rec := buildRecord(d, decision, feats, res, reqID, streamSuccess, float64(time.Since(start).Milliseconds()))
	recordObservability(d, r, rec, decision)
}

// promptText joins the message contents for feature extraction.
func promptText(msgs []providers.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// callerKey hashes the caller's credential for the cool-down ledger.
// Unauthenticated callers share one bucket.
func callerKey(d Dependencies, hdr http.Header) string {
	if d.Auth != nil {
		if _, creds, err := d.Auth.Resolve(hdr); err == nil && creds.Token != "" {
			return cooldown.UserKey(creds.Token)
		}
	}
	return cooldown.UserKey("anonymous")
}

func handleShortCircuit(d Dependencies, w http.ResponseWriter, reqID string, sc *plugin.ShortCircuit, start time.Time) {
	if sc.Error != nil {
		rec := observe.Record{
			RequestID:    reqID,
			Success:      false,
			LatencyMs:    float64(time.Since(start).Milliseconds()),
			Denied:       true,
			DeniedReason: sc.Error.Error(),
		}
		recordObservability(d, nil, rec, router.Decision{})
		jsonError(w, sc.Error.Error(), http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if sc.Response != nil {
		_, _ = w.Write(sc.Response.Body)
	}
}

func writeUpstreamError(w http.ResponseWriter, typed *engine.Error, err error) {
	status := http.StatusBadGateway
	if typed != nil {
		switch typed.Kind {
		case engine.AuthMissing, engine.AuthInvalid:
			status = http.StatusUnauthorized
		case engine.RateLimit:
			status = http.StatusTooManyRequests
		case engine.ContextOverflow, engine.ProviderPermanent:
			status = http.StatusBadRequest
		}
		if typed.RetryAfterSecs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(typed.RetryAfterSecs))
		}
		// Surface the upstream body verbatim when the failure was
		// HTTP-shaped.
		var serr *providers.StatusError
		if errors.As(typed.Err, &serr) && serr.Body != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, serr.Body)
			return
		}
	}
	jsonError(w, err.Error(), status)
}

func recordDenied(d Dependencies, r *http.Request, reqID, pinned string, err error, start time.Time) {
	rec := observe.Record{
		RequestID:    reqID,
		Model:        pinned,
		Success:      false,
		LatencyMs:    float64(time.Since(start).Milliseconds()),
		Denied:       errors.Is(err, router.ErrModelNotAllowed),
		DeniedReason: err.Error(),
	}
	recordObservability(d, r, rec, router.Decision{})
	if d.Logger != nil {
		d.Logger.Warn("routing failed",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()))
	}
}
