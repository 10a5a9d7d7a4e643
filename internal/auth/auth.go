// Package auth resolves caller credentials into a provider-shaped form.
//
// Adapters are registered in order and walked until one recognizes the
// credential shape in the request headers. Exactly one adapter's credentials
// serve a request; a request nothing matches is ErrAuthMissing.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
)

// CredType distinguishes how a credential is presented to the provider.
type CredType string

const (
	TypeBearer CredType = "bearer"
	TypeAPIKey CredType = "apikey"
)

// Credentials is the extracted caller credential.
type Credentials struct {
	Type         CredType
	Token        string
	RefreshToken string
}

// ErrAuthMissing reports that no adapter recognized the request. It is
// non-retryable; only env-credentialed adapters may serve as fallbacks.
var ErrAuthMissing = errors.New("auth: no credentials recognized")

// Adapter detects and extracts one credential shape.
type Adapter interface {
	// Name identifies the adapter and its provider kind.
	Name() string
	// Matches reports whether the headers carry this adapter's shape.
	Matches(h http.Header) bool
	// Extract yields the credentials. Only called after Matches.
	Extract(h http.Header) (Credentials, error)
	// EnvCredentialed reports whether the adapter can authenticate from
	// the environment when the caller supplied nothing usable.
	EnvCredentialed() bool
}

// Registry holds adapters in registration order. Order matters: the first
// match wins, so narrower token prefixes must register before wider ones.
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an adapter to the walk order.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

// Names lists registered adapters in walk order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		names[i] = a.Name()
	}
	return names
}

// Resolve walks the adapters and returns the first match's credentials.
func (r *Registry) Resolve(h http.Header) (string, Credentials, error) {
	r.mu.RLock()
	adapters := make([]Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.RUnlock()

	for _, a := range adapters {
		if !a.Matches(h) {
			continue
		}
		creds, err := a.Extract(h)
		if err != nil {
			return a.Name(), Credentials{}, fmt.Errorf("auth: %s: %w", a.Name(), err)
		}
		return a.Name(), creds, nil
	}
	return "", Credentials{}, ErrAuthMissing
}

// ResolveFor returns credentials usable for the named adapter: the caller's
// own when the shapes match, otherwise the adapter's environment credential.
// This is the fallback path after the primary choice fails with a
// credential the next provider cannot use.
func (r *Registry) ResolveFor(name string, h http.Header) (Credentials, error) {
	r.mu.RLock()
	adapters := make([]Adapter, len(r.adapters))
	copy(adapters, r.adapters)
	r.mu.RUnlock()

	for _, a := range adapters {
		if a.Name() != name {
			continue
		}
		if a.Matches(h) {
			return a.Extract(h)
		}
		if a.EnvCredentialed() {
			return envCredentials(name)
		}
		return Credentials{}, ErrAuthMissing
	}
	return Credentials{}, fmt.Errorf("auth: unknown adapter %q", name)
}

// envCredentials reads MODELMUX_<KIND>_API_KEY for the named adapter.
func envCredentials(name string) (Credentials, error) {
	key := os.Getenv(envVar(name))
	if key == "" {
		return Credentials{}, ErrAuthMissing
	}
	return Credentials{Type: TypeBearer, Token: key}, nil
}

func envVar(name string) string {
	return "MODELMUX_" + strings.ToUpper(name) + "_API_KEY"
}

// bearerToken pulls the token out of an Authorization: Bearer header,
// empty when absent or differently shaped.
func bearerToken(h http.Header) string {
	v := h.Get("Authorization")
	const prefix = "Bearer "
	if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
		return v[len(prefix):]
	}
	return ""
}
