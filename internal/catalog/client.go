// Package catalog is the read-only client for the model catalog collaborator.
//
// The hot path never waits on the network: lookups hit an in-memory snapshot
// that a background loop refreshes on a TTL. When the collaborator is
// unreachable the previous snapshot keeps serving (marked stale), and an
// embedded snapshot lets the router start with no network at all.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

//go:embed snapshot.json
var embeddedSnapshot []byte

const maxBodyBytes = 8 << 20

// Client caches the catalog collaborator's model list.
type Client struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	logger  *slog.Logger
	sf      singleflight.Group

	mu        sync.RWMutex
	models    []Model
	bySlug    map[string]Model
	flags     map[string]json.RawMessage
	fetchedAt time.Time
	source    string // embedded, remote, or stale
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithTTL sets the snapshot refresh interval.
func WithTTL(d time.Duration) Option {
	return func(c *Client) { c.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(c *Client) { c.logger = lg }
}

// New builds a client seeded from the embedded snapshot. baseURL may be
// empty, in which case the client serves the embedded snapshot forever.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		ttl:     5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	var snap struct {
		Models []Model `json:"models"`
	}
	// The embedded snapshot is validated by package tests; a decode failure
	// here would mean a broken build.
	if err := json.Unmarshal(embeddedSnapshot, &snap); err == nil {
		c.install(snap.Models, "embedded")
	}
	return c
}

// Lookup returns the capability record for slug.
func (c *Client) Lookup(slug string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.bySlug[slug]
	return m, ok
}

// Models returns a copy of the current snapshot.
func (c *Client) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// ModelCount returns the snapshot size.
func (c *Client) ModelCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}

// Source reports where the current snapshot came from: "embedded", "remote",
// or "stale" (remote data that outlived a failed refresh).
func (c *Client) Source() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.source
}

// FetchedAt returns the time of the last successful refresh.
func (c *Client) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

// Refresh fetches /v1/models and replaces the snapshot. On failure the
// previous snapshot keeps serving and is marked stale. Concurrent callers
// share a single flight.
func (c *Client) Refresh(ctx context.Context) error {
	if c.baseURL == "" {
		return nil
	}
	_, err, _ := c.sf.Do("models", func() (any, error) {
		raw, err := c.get(ctx, "/v1/models", nil)
		if err != nil {
			c.markStale()
			return nil, err
		}
		var snap struct {
			Models []Model `json:"models"`
		}
		if err := json.Unmarshal(raw, &snap); err != nil {
			c.markStale()
			return nil, fmt.Errorf("catalog: decode models: %w", err)
		}
		c.install(snap.Models, "remote")
		c.refreshFlags(ctx)
		return nil, nil
	})
	return err
}

// Start launches the background refresh loop and returns a stop function.
// The first refresh runs immediately so a reachable catalog replaces the
// embedded snapshot at startup.
func (c *Client) Start() func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		refresh := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("catalog refresh failed; serving previous snapshot",
					slog.String("error", err.Error()))
			}
		}
		refresh()
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// Capabilities fetches a single capability record, bypassing the snapshot.
func (c *Client) Capabilities(ctx context.Context, slug string) (Model, error) {
	raw, err := c.get(ctx, "/v1/capabilities/"+url.PathEscape(slug), nil)
	if err != nil {
		return Model{}, err
	}
	var m Model
	if err := json.Unmarshal(raw, &m); err != nil {
		return Model{}, fmt.Errorf("catalog: decode capabilities: %w", err)
	}
	return m, nil
}

// PricingFor fetches a single pricing record, bypassing the snapshot.
func (c *Client) PricingFor(ctx context.Context, slug string) (Pricing, error) {
	raw, err := c.get(ctx, "/v1/pricing/"+url.PathEscape(slug), nil)
	if err != nil {
		return Pricing{}, err
	}
	var p Pricing
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pricing{}, fmt.Errorf("catalog: decode pricing: %w", err)
	}
	return p, nil
}

// FeatureFlags returns the collaborator's opaque flag map from the last
// refresh. Flags ride along with Refresh rather than blocking callers.
func (c *Client) FeatureFlags() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

// Health queries the collaborator's liveness endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	raw, err := c.get(ctx, "/health", nil)
	if err != nil {
		return Health{}, err
	}
	var h Health
	if err := json.Unmarshal(raw, &h); err != nil {
		return Health{}, fmt.Errorf("catalog: decode health: %w", err)
	}
	return h, nil
}

func (c *Client) install(models []Model, source string) {
	bySlug := make(map[string]Model, len(models))
	for _, m := range models {
		bySlug[m.Slug] = m
	}
	c.mu.Lock()
	c.models = models
	c.bySlug = bySlug
	c.fetchedAt = time.Now()
	c.source = source
	c.mu.Unlock()
}

func (c *Client) markStale() {
	c.mu.Lock()
	if c.source == "remote" {
		c.source = "stale"
	}
	c.mu.Unlock()
}

func (c *Client) refreshFlags(ctx context.Context) {
	raw, err := c.get(ctx, "/v1/feature-flags", nil)
	if err != nil {
		c.logger.Debug("catalog feature-flags fetch failed", slog.String("error", err.Error()))
		return
	}
	var flags map[string]json.RawMessage
	if err := json.Unmarshal(raw, &flags); err != nil {
		return
	}
	c.mu.Lock()
	c.flags = flags
	c.mu.Unlock()
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("catalog: no base URL configured")
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: %s returned %d", path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}
