package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDecision     EventType = "decision"
	EventRouteSuccess EventType = "route_success"
	EventRouteError   EventType = "route_error"
	EventFallback     EventType = "fallback"
	EventReroute      EventType = "reroute"
	EventCooldownSet  EventType = "cooldown_set"
	EventHealthChange EventType = "health_change"
	EventArtifactSwap EventType = "artifact_swap"
	EventPolicyDenied EventType = "policy_denied"
	EventSLOBreach    EventType = "slo_breach"
)

// Event is a single routing event published on the bus. Fields are sparse;
// each event type populates the subset it needs.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Routing fields.
	RequestID  string  `json:"request_id,omitempty"`
	DecisionID string  `json:"decision_id,omitempty"`
	Bucket     string  `json:"bucket,omitempty"`
	Model      string  `json:"model,omitempty"`
	Provider   string  `json:"provider,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	ErrorMsg   string  `json:"error_msg,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// Fallback / reroute fields.
	FromProvider string `json:"from_provider,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`

	// Cool-down fields.
	UserKey   string    `json:"user_key,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Health fields.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Artifact fields.
	ArtifactVersion string `json:"artifact_version,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus. The execution engine publishes;
// observability, the decision log, and the admin SSE stream subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
