// Package state owns the canonical cache tree. All mutation funnels
// through the Owner so disk snapshots and subscriber broadcasts stay
// consistent with what readers see.
package state

import (
	"log/slog"
	"sync"
	"time"

	"shipdeck/internal/model"
)

// SubscriberBuffer is the per-subscriber event buffer. A subscriber
// that falls this far behind is dropped rather than backpressured.
const SubscriberBuffer = 16

// Event is one named broadcast with a JSON-serializable payload.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Owner is the process-wide state owner. Readers take snapshots;
// writers (the refresh orchestrator) mutate through Update.
type Owner struct {
	mu        sync.RWMutex
	state     *model.State
	subMu     sync.Mutex
	subs      map[chan Event]struct{}
	persister *Persister
	logger    *slog.Logger
}

// NewOwner creates an owner around an empty state tree. The persister
// is optional; without one the state is memory-only.
func NewOwner(persister *Persister, logger *slog.Logger) *Owner {
	o := &Owner{
		state:     model.NewState(),
		subs:      make(map[chan Event]struct{}),
		persister: persister,
		logger:    logger,
	}
	if persister != nil {
		persister.Bind(o.Snapshot)
	}
	return o
}

// LoadSnapshot seeds the state from the last disk snapshot so the
// process serves stale-but-real data while the first refresh runs.
// Missing or unusable snapshots leave the empty state in place.
func (o *Owner) LoadSnapshot() {
	if o.persister == nil {
		return
	}
	loaded := o.persister.Load()
	if loaded == nil {
		return
	}
	o.mu.Lock()
	o.state = loaded
	o.mu.Unlock()
	o.logger.Info("cache snapshot loaded", "projects", len(loaded.Projects), "lastUpdated", loaded.LastUpdated)
}

// Snapshot returns a deep copy of the current state. Callers may keep
// and mutate it freely.
func (o *Owner) Snapshot() *model.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state.Clone()
}

// Update applies a mutation to the state, stamps LastUpdated and
// schedules a coalesced disk write. The mutation runs under the write
// lock; no reader observes it half-applied.
func (o *Owner) Update(fn func(s *model.State)) {
	o.mu.Lock()
	fn(o.state)
	o.state.LastUpdated = time.Now().UnixMilli()
	o.mu.Unlock()

	if o.persister != nil {
		o.persister.Schedule()
	}
}

// Subscribe registers a broadcast consumer. The returned cancel
// function is idempotent and closes the channel.
func (o *Owner) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, SubscriberBuffer)
	o.subMu.Lock()
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.subMu.Lock()
			if _, ok := o.subs[ch]; ok {
				delete(o.subs, ch)
				close(ch)
			}
			o.subMu.Unlock()
		})
	}
	return ch, cancel
}

// Broadcast delivers an event to every subscriber. A subscriber whose
// buffer is full is pruned, never retried.
func (o *Owner) Broadcast(name string, payload any) {
	ev := Event{Name: name, Payload: payload}
	o.subMu.Lock()
	for ch := range o.subs {
		select {
		case ch <- ev:
		default:
			delete(o.subs, ch)
			close(ch)
			o.logger.Warn("dropping slow event subscriber", "event", name)
		}
	}
	o.subMu.Unlock()
}

// SubscriberCount reports the number of live subscribers.
func (o *Owner) SubscriberCount() int {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	return len(o.subs)
}
