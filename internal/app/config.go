// Package app loads configuration and wires the full router pipeline into a
// runnable server.
//
// Configuration merges three layers: compiled defaults, an optional YAML
// file, and MODELMUX_-prefixed environment overrides. Env names mirror the
// dotted key path with "__" separating segments, so MODELMUX_ROUTER__ALPHA
// sets router.alpha while MODELMUX_LISTEN_ADDR sets listen_addr. Unknown
// keys are rejected so a typo fails startup instead of silently falling back
// to a default.
package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/modelmux/modelmux/internal/observe"
	"github.com/modelmux/modelmux/internal/router"
)

type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	LogLevel   string `koanf:"log_level"`
	AdminToken string `koanf:"admin_token"`
	DataDir    string `koanf:"data_dir"`

	Store         StoreConfig         `koanf:"store"`
	Router        RouterConfig        `koanf:"router"`
	AuthAdapters  AuthAdaptersConfig  `koanf:"auth_adapters"`
	OAuth         OAuthSettings       `koanf:"oauth"`
	Catalog       CatalogConfig       `koanf:"catalog"`
	Tuning        TuningConfig        `koanf:"tuning"`
	Embedding     EmbeddingConfig     `koanf:"embedding"`
	Providers     ProvidersConfig     `koanf:"providers"`
	RateLimit     RateLimitConfig     `koanf:"rate_limit"`
	CORS          CORSConfig          `koanf:"cors"`
	Tracing       TracingConfig       `koanf:"tracing"`
	Observability ObservabilityConfig `koanf:"observability"`
}

type StoreConfig struct {
	DSN string `koanf:"dsn"`
}

type RouterConfig struct {
	Alpha              float64        `koanf:"alpha"`
	Thresholds         Thresholds     `koanf:"thresholds"`
	TopP               int            `koanf:"top_p"`
	Penalties          Penalties      `koanf:"penalties"`
	LongContextTrigger int            `koanf:"long_context_trigger"`
	BucketDefaults     BucketDefaults `koanf:"bucket_defaults"`
	CheapCandidates    []string       `koanf:"cheap_candidates"`
	MidCandidates      []string       `koanf:"mid_candidates"`
	HardCandidates     []string       `koanf:"hard_candidates"`
	Aggregator         Aggregator     `koanf:"aggregator"`
}

type Thresholds struct {
	Cheap float64 `koanf:"cheap"`
	Hard  float64 `koanf:"hard"`
}

type Penalties struct {
	LatencySD float64 `koanf:"latency_sd"`
	CtxOver80 float64 `koanf:"ctx_over_80pct"`
}

type BucketDefaults struct {
	Mid  Thinking `koanf:"mid"`
	Hard Thinking `koanf:"hard"`
}

type Thinking struct {
	Effort string `koanf:"effort"`
	Budget int    `koanf:"budget"`
}

type Aggregator struct {
	ExcludeAuthors []string        `koanf:"exclude_authors"`
	Provider       AggregatorPrefs `koanf:"provider"`
}

type AggregatorPrefs struct {
	Sort           string  `koanf:"sort"`
	MaxPrice       float64 `koanf:"max_price"`
	AllowFallbacks bool    `koanf:"allow_fallbacks"`
}

type AuthAdaptersConfig struct {
	Enabled []string `koanf:"enabled"`
}

// OAuthSettings drives the PKCE flow for Google-issued gemini bearers. The
// flow is disabled while client_id is empty.
type OAuthSettings struct {
	ClientID     string   `koanf:"client_id"`
	ClientSecret string   `koanf:"client_secret"`
	RedirectURL  string   `koanf:"redirect_url"`
	Scopes       []string `koanf:"scopes"`
}

type CatalogConfig struct {
	BaseURL        string `koanf:"base_url"`
	RefreshSeconds int    `koanf:"refresh_seconds"`
}

type TuningConfig struct {
	ArtifactURL   string `koanf:"artifact_url"`
	ReloadSeconds int    `koanf:"reload_seconds"`
}

type EmbeddingConfig struct {
	Dim     int             `koanf:"dim"`
	Remotes []RemoteBackend `koanf:"remotes"`
}

type RemoteBackend struct {
	Name    string `koanf:"name"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

type ProvidersConfig struct {
	TimeoutSecs int `koanf:"timeout_secs"`
}

type RateLimitConfig struct {
	RPS   int `koanf:"rps"`
	Burst int `koanf:"burst"`
}

type CORSConfig struct {
	Origins []string `koanf:"origins"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}

type ObservabilityConfig struct {
	DashboardPort int         `koanf:"dashboard_port"`
	SLO           SLOConfig   `koanf:"slo"`
	Alerts        AlertConfig `koanf:"alerts"`
}

type SLOConfig struct {
	P95Ms          float64 `koanf:"p95_ms"`
	MaxMisfireRate float64 `koanf:"max_misfire_rate"`
	MinUptimePct   float64 `koanf:"min_uptime_pct"`
	MaxCostPerTask float64 `koanf:"max_cost_per_task"`
	MinWinRate     float64 `koanf:"min_win_rate"`
}

type AlertConfig struct {
	WebhookURL string `koanf:"webhook_url"`
}

// DefaultConfig returns the compiled-in baseline every deployment starts
// from. Candidate lists default to the embedded catalog's current frontier
// so a bare binary routes out of the box.
func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		DataDir:    "data",
		Store:      StoreConfig{DSN: "file:data/modelmux.sqlite"},
		Router: RouterConfig{
			TopP:               3,
			LongContextTrigger: 200_000,
			BucketDefaults: BucketDefaults{
				Mid:  Thinking{Effort: "low"},
				Hard: Thinking{Effort: "high", Budget: 20_000},
			},
			CheapCandidates: []string{"gemini-2.5-flash", "gpt-5-mini"},
			MidCandidates:   []string{"claude-sonnet-4-5", "gpt-5", "gemini-2.5-pro"},
			HardCandidates:  []string{"claude-opus-4-1", "gpt-5", "gemini-2.5-pro"},
			Aggregator: Aggregator{
				Provider: AggregatorPrefs{Sort: "throughput", AllowFallbacks: true},
			},
		},
		AuthAdapters: AuthAdaptersConfig{
			Enabled: []string{"anthropic", "openai", "gemini", "aggregator"},
		},
		OAuth: OAuthSettings{
			Scopes: []string{"https://www.googleapis.com/auth/generative-language"},
		},
		Catalog:   CatalogConfig{RefreshSeconds: 300},
		Tuning:    TuningConfig{ReloadSeconds: 300},
		Embedding: EmbeddingConfig{Dim: 384},
		Providers: ProvidersConfig{TimeoutSecs: 120},
		RateLimit: RateLimitConfig{RPS: 60, Burst: 120},
		Tracing:   TracingConfig{ServiceName: "modelmux"},
		Observability: ObservabilityConfig{
			SLO: SLOConfig{
				P95Ms:          2500,
				MaxMisfireRate: 0.05,
				MinUptimePct:   99.5,
			},
		},
	}
}

// LoadConfig merges the YAML file at path (skipped when path is empty or the
// file does not exist) and MODELMUX_ env overrides on top of the defaults.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        "MODELMUX_",
		TransformFunc: envTransform,
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	if err := validateKeys(k.Keys()); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envTransform maps MODELMUX_ROUTER__TOP_P to router.top_p. Variables that
// carry credentials rather than configuration (MODELMUX_<KIND>_API_KEY and
// friends) are skipped, as are the variables the binaries themselves consume
// (MODELMUX_CONFIG, MODELMUX_URL). Everything else passes through to the
// unknown-key check, so a typoed override fails startup the same way a
// typoed file key does.
func envTransform(key, value string) (string, any) {
	trimmed := strings.TrimPrefix(key, "MODELMUX_")
	if strings.HasSuffix(trimmed, "_API_KEY") || strings.HasSuffix(trimmed, "_TOKEN") && trimmed != "ADMIN_TOKEN" {
		return "", nil
	}
	switch trimmed {
	case "CONFIG", "URL":
		return "", nil
	}
	path := strings.ToLower(strings.ReplaceAll(trimmed, "__", "."))
	if strings.Contains(value, ",") && isListKey(path) {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return path, parts
	}
	return path, value
}

func isListKey(path string) bool {
	switch path {
	case "router.cheap_candidates", "router.mid_candidates", "router.hard_candidates",
		"router.aggregator.exclude_authors", "auth_adapters.enabled", "cors.origins",
		"oauth.scopes":
		return true
	}
	return false
}

// knownKeys is the complete configuration schema. validateKeys rejects any
// loaded key outside it.
var knownKeys = map[string]struct{}{
	"listen_addr": {},
	"log_level":   {},
	"admin_token": {},
	"data_dir":    {},
	"store.dsn":   {},

	"router.alpha":                               {},
	"router.thresholds.cheap":                    {},
	"router.thresholds.hard":                     {},
	"router.top_p":                               {},
	"router.penalties.latency_sd":                {},
	"router.penalties.ctx_over_80pct":            {},
	"router.long_context_trigger":                {},
	"router.bucket_defaults.mid.effort":          {},
	"router.bucket_defaults.mid.budget":          {},
	"router.bucket_defaults.hard.effort":         {},
	"router.bucket_defaults.hard.budget":         {},
	"router.cheap_candidates":                    {},
	"router.mid_candidates":                      {},
	"router.hard_candidates":                     {},
	"router.aggregator.exclude_authors":          {},
	"router.aggregator.provider.sort":            {},
	"router.aggregator.provider.max_price":       {},
	"router.aggregator.provider.allow_fallbacks": {},

	"auth_adapters.enabled": {},

	"oauth.client_id":     {},
	"oauth.client_secret": {},
	"oauth.redirect_url":  {},
	"oauth.scopes":        {},

	"catalog.base_url":        {},
	"catalog.refresh_seconds": {},

	"tuning.artifact_url":   {},
	"tuning.reload_seconds": {},

	"embedding.dim":     {},
	"embedding.remotes": {},

	"providers.timeout_secs": {},

	"rate_limit.rps":   {},
	"rate_limit.burst": {},

	"cors.origins": {},

	"tracing.enabled":      {},
	"tracing.endpoint":     {},
	"tracing.service_name": {},

	"observability.dashboard_port":        {},
	"observability.slo.p95_ms":            {},
	"observability.slo.max_misfire_rate":  {},
	"observability.slo.min_uptime_pct":    {},
	"observability.slo.max_cost_per_task": {},
	"observability.slo.min_win_rate":      {},
	"observability.alerts.webhook_url":    {},
}

func validateKeys(keys []string) error {
	var unknown []string
	for _, key := range keys {
		if _, ok := knownKeys[key]; ok {
			continue
		}
		// Array-of-map entries flatten to indexed paths like
		// embedding.remotes.0.name. Accept anything under a known
		// list-of-objects prefix.
		if strings.HasPrefix(key, "embedding.remotes.") {
			continue
		}
		unknown = append(unknown, key)
	}
	if len(unknown) > 0 {
		return fmt.Errorf("unknown config keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Validate checks cross-field constraints the schema alone cannot express.
func (c Config) Validate() error {
	if c.Router.Alpha < 0 || c.Router.Alpha > 1 {
		return fmt.Errorf("router.alpha must be in [0, 1], got %g", c.Router.Alpha)
	}
	if c.Router.TopP < 0 {
		return fmt.Errorf("router.top_p must be >= 0, got %d", c.Router.TopP)
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0, got %d", c.RateLimit.RPS)
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be > 0, got %d", c.RateLimit.Burst)
	}
	if c.Providers.TimeoutSecs <= 0 {
		return fmt.Errorf("providers.timeout_secs must be > 0, got %d", c.Providers.TimeoutSecs)
	}
	if c.Catalog.RefreshSeconds <= 0 {
		return fmt.Errorf("catalog.refresh_seconds must be > 0, got %d", c.Catalog.RefreshSeconds)
	}
	if c.Tuning.ReloadSeconds <= 0 {
		return fmt.Errorf("tuning.reload_seconds must be > 0, got %d", c.Tuning.ReloadSeconds)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim must be > 0, got %d", c.Embedding.Dim)
	}
	if s := c.Observability.SLO; s.MaxMisfireRate < 0 || s.MaxMisfireRate > 1 {
		return fmt.Errorf("observability.slo.max_misfire_rate must be in [0, 1], got %g", s.MaxMisfireRate)
	}
	for _, e := range c.AuthAdapters.Enabled {
		switch e {
		case "anthropic", "openai", "gemini", "aggregator":
		default:
			return fmt.Errorf("auth_adapters.enabled: unknown adapter %q", e)
		}
	}
	return nil
}

// RouterConfig converts the loaded values into the router package's config.
func (c Config) RouterConfig() router.Config {
	return router.Config{
		Alpha:              c.Router.Alpha,
		ThresholdCheap:     c.Router.Thresholds.Cheap,
		ThresholdHard:      c.Router.Thresholds.Hard,
		TopP:               c.Router.TopP,
		PenaltyLatencySD:   c.Router.Penalties.LatencySD,
		PenaltyCtxOver80:   c.Router.Penalties.CtxOver80,
		LongContextTrigger: c.Router.LongContextTrigger,
		CheapCandidates:    c.Router.CheapCandidates,
		MidCandidates:      c.Router.MidCandidates,
		HardCandidates:     c.Router.HardCandidates,
		ExcludeAuthors:     c.Router.Aggregator.ExcludeAuthors,
		AggregatorPrefs: router.ProviderPrefs{
			Sort:           c.Router.Aggregator.Provider.Sort,
			MaxPrice:       c.Router.Aggregator.Provider.MaxPrice,
			AllowFallbacks: c.Router.Aggregator.Provider.AllowFallbacks,
		},
		MidDefaults: router.BucketDefaults{
			Effort: c.Router.BucketDefaults.Mid.Effort,
			Budget: c.Router.BucketDefaults.Mid.Budget,
		},
		HardDefaults: router.BucketDefaults{
			Effort: c.Router.BucketDefaults.Hard.Effort,
			Budget: c.Router.BucketDefaults.Hard.Budget,
		},
	}
}

// SLOConfig converts the loaded values into the observe package's config.
func (c Config) SLOConfig() observe.SLOConfig {
	return observe.SLOConfig{
		P95Ms:          c.Observability.SLO.P95Ms,
		MaxMisfireRate: c.Observability.SLO.MaxMisfireRate,
		MinUptimePct:   c.Observability.SLO.MinUptimePct,
		MaxCostPerTask: c.Observability.SLO.MaxCostPerTask,
		MinWinRate:     c.Observability.SLO.MinWinRate,
		WebhookURL:     c.Observability.Alerts.WebhookURL,
	}
}

// View returns the running configuration with secrets redacted, for the
// admin config endpoint.
func (c Config) View() map[string]any {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "[REDACTED]"
	}
	remotes := make([]map[string]any, 0, len(c.Embedding.Remotes))
	for _, r := range c.Embedding.Remotes {
		remotes = append(remotes, map[string]any{
			"name": r.Name, "base_url": r.BaseURL, "model": r.Model,
			"api_key": redact(r.APIKey),
		})
	}
	return map[string]any{
		"listen_addr": c.ListenAddr,
		"log_level":   c.LogLevel,
		"admin_token": redact(c.AdminToken),
		"data_dir":    c.DataDir,
		"store":       map[string]any{"dsn": c.Store.DSN},
		"router": map[string]any{
			"alpha":                c.Router.Alpha,
			"thresholds":           map[string]any{"cheap": c.Router.Thresholds.Cheap, "hard": c.Router.Thresholds.Hard},
			"top_p":                c.Router.TopP,
			"penalties":            map[string]any{"latency_sd": c.Router.Penalties.LatencySD, "ctx_over_80pct": c.Router.Penalties.CtxOver80},
			"long_context_trigger": c.Router.LongContextTrigger,
			"bucket_defaults": map[string]any{
				"mid":  map[string]any{"effort": c.Router.BucketDefaults.Mid.Effort, "budget": c.Router.BucketDefaults.Mid.Budget},
				"hard": map[string]any{"effort": c.Router.BucketDefaults.Hard.Effort, "budget": c.Router.BucketDefaults.Hard.Budget},
			},
			"cheap_candidates": c.Router.CheapCandidates,
			"mid_candidates":   c.Router.MidCandidates,
			"hard_candidates":  c.Router.HardCandidates,
			"aggregator": map[string]any{
				"exclude_authors": c.Router.Aggregator.ExcludeAuthors,
				"provider": map[string]any{
					"sort":            c.Router.Aggregator.Provider.Sort,
					"max_price":       c.Router.Aggregator.Provider.MaxPrice,
					"allow_fallbacks": c.Router.Aggregator.Provider.AllowFallbacks,
				},
			},
		},
		"auth_adapters": map[string]any{"enabled": c.AuthAdapters.Enabled},
		"oauth": map[string]any{
			"client_id":     c.OAuth.ClientID,
			"client_secret": redact(c.OAuth.ClientSecret),
			"redirect_url":  c.OAuth.RedirectURL,
			"scopes":        c.OAuth.Scopes,
		},
		"catalog":    map[string]any{"base_url": c.Catalog.BaseURL, "refresh_seconds": c.Catalog.RefreshSeconds},
		"tuning":     map[string]any{"artifact_url": c.Tuning.ArtifactURL, "reload_seconds": c.Tuning.ReloadSeconds},
		"embedding":  map[string]any{"dim": c.Embedding.Dim, "remotes": remotes},
		"providers":  map[string]any{"timeout_secs": c.Providers.TimeoutSecs},
		"rate_limit": map[string]any{"rps": c.RateLimit.RPS, "burst": c.RateLimit.Burst},
		"cors":       map[string]any{"origins": c.CORS.Origins},
		"tracing":    map[string]any{"enabled": c.Tracing.Enabled, "endpoint": c.Tracing.Endpoint, "service_name": c.Tracing.ServiceName},
		"observability": map[string]any{
			"dashboard_port": c.Observability.DashboardPort,
			"slo": map[string]any{
				"p95_ms":            c.Observability.SLO.P95Ms,
				"max_misfire_rate":  c.Observability.SLO.MaxMisfireRate,
				"min_uptime_pct":    c.Observability.SLO.MinUptimePct,
				"max_cost_per_task": c.Observability.SLO.MaxCostPerTask,
				"min_win_rate":      c.Observability.SLO.MinWinRate,
			},
			"alerts": map[string]any{"webhook_url": redact(c.Observability.Alerts.WebhookURL)},
		},
	}
}
