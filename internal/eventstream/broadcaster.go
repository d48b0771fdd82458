// Package eventstream implements a coalescing SSE broadcaster: state changes
// inside a debounce window collapse into a single snapshot push per
// subscriber, rather than emitting one update per underlying change.
package eventstream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// Snapshot is the payload pushed to every subscriber: the full known state
// of every app, keyed by name.
type Snapshot struct {
	Apps map[string][]domain.Service `json:"apps"`
}

// Broadcaster holds the latest snapshot and fans it out to subscribers,
// coalescing bursts of Publish calls inside window into a single push.
type Broadcaster struct {
	mu          sync.RWMutex
	snapshot    Snapshot
	subscribers map[chan []byte]struct{}
	window      time.Duration

	pendingMu sync.Mutex
	timer     *time.Timer
}

func New(window time.Duration) *Broadcaster {
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	return &Broadcaster{
		snapshot:    Snapshot{Apps: make(map[string][]domain.Service)},
		subscribers: make(map[chan []byte]struct{}),
		window:      window,
	}
}

// Subscribe registers a new channel and immediately primes it with the
// current snapshot; callers must Unsubscribe when done reading.
func (b *Broadcaster) Subscribe() chan []byte {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	current := b.encode()
	b.mu.Unlock()
	ch <- current
	return ch
}

func (b *Broadcaster) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sets the snapshot for appName and schedules a coalesced push:
// repeated calls inside window only trigger one broadcast.
func (b *Broadcaster) Publish(appName string, services []domain.Service) {
	b.mu.Lock()
	if services == nil {
		delete(b.snapshot.Apps, appName)
	} else {
		b.snapshot.Apps[appName] = services
	}
	b.mu.Unlock()
	b.scheduleBroadcast()
}

func (b *Broadcaster) scheduleBroadcast() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.window, func() {
		b.pendingMu.Lock()
		b.timer = nil
		b.pendingMu.Unlock()
		b.broadcast()
	})
}

func (b *Broadcaster) broadcast() {
	b.mu.RLock()
	payload := b.encode()
	subs := make([]chan []byte, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscriber; drop this push, it will get the next one.
		}
	}
}

// encode must be called with at least b.mu held for reading.
func (b *Broadcaster) encode() []byte {
	raw, err := json.Marshal(b.snapshot)
	if err != nil {
		return []byte(`{"apps":{}}`)
	}
	return raw
}
