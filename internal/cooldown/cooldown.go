// Package cooldown tracks per-user provider exclusions after rate-limit
// events. The read path is lock-free (sync.Map) because every decision
// consults it; writes happen only when a 429 is observed.
package cooldown

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultTTL is the cool-down window applied when no explicit duration is
// configured.
const DefaultTTL = 4 * time.Minute

// Entry is a live or expired cool-down.
type Entry struct {
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ledger stores cool-down entries keyed by the stable user hash.
type Ledger struct {
	ttl     time.Duration
	entries sync.Map // key string -> Entry
	live    atomic.Int64

	onSet func(Entry)

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTTL overrides the cool-down duration.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

// WithOnSet registers a callback invoked after every insert or refresh.
func WithOnSet(fn func(Entry)) Option {
	return func(l *Ledger) { l.onSet = fn }
}

// New creates a ledger and starts its expiry sweeper.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		ttl:  DefaultTTL,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// UserKey derives the stable cool-down key from a user's bearer token. The
// raw token never leaves this function.
func UserKey(token string) string {
	return strconv.FormatUint(xxhash.Sum64String(token), 16)
}

// Set inserts or refreshes the cool-down for a user key. Returns the entry.
func (l *Ledger) Set(key, kind string) Entry {
	e := Entry{Key: key, Kind: kind, ExpiresAt: time.Now().Add(l.ttl)}
	if _, loaded := l.entries.Swap(key, e); !loaded {
		l.live.Add(1)
	}
	if l.onSet != nil {
		l.onSet(e)
	}
	return e
}

// Active reports whether the user key has a live entry, without locking.
func (l *Ledger) Active(key string) bool {
	v, ok := l.entries.Load(key)
	if !ok {
		return false
	}
	return time.Now().Before(v.(Entry).ExpiresAt)
}

// Get returns the entry for key, live or not.
func (l *Ledger) Get(key string) (Entry, bool) {
	v, ok := l.entries.Load(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// LiveCount returns the approximate number of unexpired entries.
func (l *Ledger) LiveCount() int {
	n := 0
	now := time.Now()
	l.entries.Range(func(_, v any) bool {
		if now.Before(v.(Entry).ExpiresAt) {
			n++
		}
		return true
	})
	return n
}

// Entries returns a snapshot of all live entries for the admin surface.
func (l *Ledger) Entries() []Entry {
	var out []Entry
	now := time.Now()
	l.entries.Range(func(_, v any) bool {
		e := v.(Entry)
		if now.Before(e.ExpiresAt) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// Clear removes the entry for key. Used by the admin surface.
func (l *Ledger) Clear(key string) {
	if _, loaded := l.entries.LoadAndDelete(key); loaded {
		l.live.Add(-1)
	}
}

// Stop terminates the expiry sweeper.
func (l *Ledger) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// sweep drops expired entries so the map does not grow without bound.
// Correctness never depends on the sweep: Active checks expiry inline.
func (l *Ledger) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.entries.Range(func(k, v any) bool {
				if now.After(v.(Entry).ExpiresAt) {
					if _, loaded := l.entries.LoadAndDelete(k); loaded {
						l.live.Add(-1)
					}
				}
				return true
			})
		case <-l.stop:
			return
		}
	}
}
