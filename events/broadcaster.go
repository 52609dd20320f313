package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultBuffer is the per-subscriber channel depth. Delivery is
	// best-effort: a full channel counts as a missed delivery.
	defaultBuffer = 64

	// missedLimit is how many consecutive missed deliveries a subscriber
	// survives before it is dropped as broken.
	missedLimit = 2

	// keepAliveInterval is the cadence of system.heartbeat events that
	// flush out broken subscribers even when the system is quiet.
	keepAliveInterval = 30 * time.Second
)

// Subscriber is one registered event consumer. Events arrive on Events()
// until Unsubscribe closes it.
type Subscriber struct {
	ch chan Event

	mu       sync.Mutex
	projects map[string]struct{}
	missed   int
}

// Events returns the receive channel. It is closed on unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Scope restricts the subscriber to the given project IDs. With no IDs the
// subscriber receives everything.
func (s *Subscriber) Scope(projectIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(projectIDs) == 0 {
		s.projects = nil
		return
	}
	s.projects = make(map[string]struct{}, len(projectIDs))
	for _, id := range projectIDs {
		s.projects[id] = struct{}{}
	}
}

// wants reports whether an event for the given project passes the filter.
func (s *Subscriber) wants(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projects == nil || projectID == "" {
		return true
	}
	_, ok := s.projects[projectID]
	return ok
}

// Broadcaster fans events out to subscribers. Publish never blocks: slow
// subscribers miss events and are dropped after missedLimit consecutive
// misses. Per-subscriber ordering matches publish order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscriber]bool
	logger *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[*Subscriber]bool),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a new subscriber with the default buffer.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Event, defaultBuffer)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber whose scope matches.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if !sub.wants(ev.ProjectID) {
			continue
		}
		select {
		case sub.ch <- ev:
			sub.mu.Lock()
			sub.missed = 0
			sub.mu.Unlock()
		default:
			sub.mu.Lock()
			sub.missed++
			broken := sub.missed >= missedLimit
			sub.mu.Unlock()
			if broken {
				delete(b.subs, sub)
				close(sub.ch)
				b.logger.Warn("Dropped slow event subscriber", "missed", missedLimit)
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run emits system.heartbeat keep-alives until ctx is cancelled, then closes
// every remaining subscriber.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.Publish(Event{Type: TypeSystemHeartbeat})
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
