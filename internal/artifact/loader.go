package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/singleflight"
)

// maxArtifactBytes bounds a fetched artifact. A tuning artifact with a few
// hundred clusters and a LightGBM blob sits well under 8 MiB.
const maxArtifactBytes = 32 << 20

// ObjectGetter is the slice of the S3 API the loader uses. Tests substitute
// a fake; production lazily builds a real client from the default AWS config.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Loader fetches artifacts from a source URL (file://, http(s)://, s3://),
// gates swaps on the fingerprint, and publishes via atomic pointer.
type Loader struct {
	source   string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	snapshot string // optional on-disk cache of the last good artifact

	s3once sync.Once
	s3     ObjectGetter
	s3err  error

	cur atomic.Pointer[Artifact]
	sf  singleflight.Group

	mu      sync.Mutex
	onSwap  []func(*Artifact)
	observe func(outcome string)
}

// Option configures the Loader.
type Option func(*Loader)

// WithHTTPClient sets the HTTP client used for http(s) sources.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithInterval sets the reload interval used by Start.
func WithInterval(d time.Duration) Option {
	return func(l *Loader) { l.interval = d }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loader) { l.logger = lg }
}

// WithObjectGetter injects an S3 client (or fake) for s3:// sources.
func WithObjectGetter(g ObjectGetter) Option {
	return func(l *Loader) { l.s3 = g }
}

// WithSnapshotPath enables a best-effort on-disk copy of the last good
// artifact, consulted at bootstrap before the embedded emergency artifact.
func WithSnapshotPath(path string) Option {
	return func(l *Loader) { l.snapshot = path }
}

// WithReloadObserver registers a callback invoked with the outcome of every
// reload attempt: "swapped", "unchanged", or "error".
func WithReloadObserver(fn func(outcome string)) Option {
	return func(l *Loader) { l.observe = fn }
}

// NewLoader creates a loader for the given source URL.
func NewLoader(source string, opts ...Option) *Loader {
	l := &Loader{
		source:   source,
		interval: 5 * time.Minute,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Current returns the published artifact. Nil only before Bootstrap.
func (l *Loader) Current() *Artifact {
	return l.cur.Load()
}

// OnSwap registers a hook invoked with the new artifact after every swap,
// including the bootstrap one. Hooks run on the reloading goroutine.
func (l *Loader) OnSwap(fn func(*Artifact)) {
	l.mu.Lock()
	l.onSwap = append(l.onSwap, fn)
	l.mu.Unlock()
}

// Bootstrap performs the initial load. Source failure falls back to the
// on-disk snapshot, then to the embedded emergency artifact, so startup
// succeeds with no network. The error is nil whenever any artifact was
// published.
func (l *Loader) Bootstrap(ctx context.Context) error {
	_, err := l.Reload(ctx)
	if err == nil {
		return nil
	}
	l.logger.Warn("artifact source unavailable at startup",
		slog.String("source", l.source), slog.String("error", err.Error()))

	if l.snapshot != "" {
		if raw, err := os.ReadFile(l.snapshot); err == nil {
			if a, err := Parse(raw); err == nil {
				l.swap(a)
				l.logger.Info("artifact loaded from snapshot",
					slog.String("path", l.snapshot), slog.String("version", a.Version))
				return nil
			}
		}
	}

	a, err := Emergency()
	if err != nil {
		return fmt.Errorf("artifact: emergency load: %w", err)
	}
	l.swap(a)
	l.logger.Warn("serving embedded emergency artifact", slog.String("version", a.Version))
	return nil
}

// Reload fetches the source once (concurrent callers share one flight),
// parses, and swaps when the fingerprint changed. Returns whether a swap
// happened.
func (l *Loader) Reload(ctx context.Context) (swapped bool, err error) {
	v, err, _ := l.sf.Do("reload", func() (any, error) {
		raw, err := l.fetch(ctx)
		if err != nil {
			l.report("error")
			return false, err
		}
		a, err := Parse(raw)
		if err != nil {
			l.report("error")
			return false, err
		}
		if cur := l.cur.Load(); cur != nil && cur.Fingerprint() == a.Fingerprint() {
			l.report("unchanged")
			return false, nil
		}
		l.swap(a)
		l.writeSnapshot(raw)
		l.report("swapped")
		l.logger.Info("artifact swapped",
			slog.String("version", a.Version),
			slog.String("fingerprint", a.Fingerprint()[:12]),
			slog.Int("clusters", a.NumClusters()))
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Start launches the periodic reload loop and returns a stop function.
func (l *Loader) Start() func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := l.Reload(ctx); err != nil {
					l.logger.Warn("artifact reload failed", slog.String("error", err.Error()))
				}
				cancel()
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

func (l *Loader) swap(a *Artifact) {
	l.cur.Store(a)
	l.mu.Lock()
	hooks := make([]func(*Artifact), len(l.onSwap))
	copy(hooks, l.onSwap)
	l.mu.Unlock()
	for _, h := range hooks {
		h(a)
	}
}

func (l *Loader) report(outcome string) {
	if l.observe != nil {
		l.observe(outcome)
	}
}

func (l *Loader) writeSnapshot(raw []byte) {
	if l.snapshot == "" {
		return
	}
	tmp := l.snapshot + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		l.logger.Debug("artifact snapshot write failed", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, l.snapshot); err != nil {
		l.logger.Debug("artifact snapshot rename failed", slog.String("error", err.Error()))
	}
}

func (l *Loader) fetch(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(l.source)
	if err != nil {
		return nil, fmt.Errorf("artifact: source url: %w", err)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = l.source
		}
		return os.ReadFile(path)
	case "http", "https":
		return l.fetchHTTP(ctx)
	case "s3":
		return l.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("artifact: unsupported source scheme %q", u.Scheme)
	}
}

func (l *Loader) fetchHTTP(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.source, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact: source returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
}

func (l *Loader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	l.s3once.Do(func() {
		if l.s3 != nil {
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			l.s3err = fmt.Errorf("artifact: aws config: %w", err)
			return
		}
		l.s3 = s3.NewFromConfig(cfg)
	})
	if l.s3err != nil {
		return nil, l.s3err
	}
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: s3 get: %w", err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(io.LimitReader(out.Body, maxArtifactBytes))
}
