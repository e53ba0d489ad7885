package synchub

import (
	"sync"

	"github.com/chittyos/chittyrouter/internal/model"
)

// Broker fans change events out to per-user watchers. Delivery is
// best-effort: a subscriber whose buffer is full loses the event and is
// expected to reconcile on reconnect.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.ChangeEvent]struct{} // userID → subscribers
	size int
}

// NewBroker creates a broker with the given per-subscriber buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broker{
		subs: make(map[string]map[chan model.ChangeEvent]struct{}),
		size: buffer,
	}
}

// Subscribe registers a watcher for a user's changes. The returned cancel
// func closes the channel and must be called exactly once.
func (b *Broker) Subscribe(userID string) (<-chan model.ChangeEvent, func()) {
	ch := make(chan model.ChangeEvent, b.size)

	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan model.ChangeEvent]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[userID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(b.subs, userID)
				}
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every watcher of the todo's user, dropping
// on full buffers rather than blocking the sync path.
func (b *Broker) Publish(ev model.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.Todo.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
