package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// OAuthInitiateHandler starts the authorization-code-with-PKCE flow. The
// caller opens authorize_url in a browser and must present the verifier at
// the exchange step.
func OAuthInitiateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.OAuth == nil {
			jsonError(w, "oauth is not configured", http.StatusNotImplemented)
			return
		}
		state := uuid.NewString()
		authorizeURL, verifier := d.OAuth.Initiate(state)
		writeJSON(w, http.StatusOK, map[string]any{
			"authorize_url": authorizeURL,
			"state":         state,
			"verifier":      verifier,
		})
	}
}

type oauthExchangeRequest struct {
	Code     string `json:"code"`
	Verifier string `json:"verifier"`
}

// OAuthExchangeHandler trades the authorization code for an access token.
// The refresh token, when the issuer grants one, is sealed in the flow's
// store under the caller's user key and never returned.
func OAuthExchangeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.OAuth == nil {
			jsonError(w, "oauth is not configured", http.StatusNotImplemented)
			return
		}
		var req oauthExchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Code == "" || req.Verifier == "" {
			jsonError(w, "code and verifier are required", http.StatusBadRequest)
			return
		}
		userKey := callerKey(d, r.Header)
		creds, err := d.OAuth.Exchange(r.Context(), userKey, req.Code, req.Verifier)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":           "Bearer",
			"access_token":         creds.Token,
			"refresh_token_stored": creds.RefreshToken != "",
		})
	}
}
