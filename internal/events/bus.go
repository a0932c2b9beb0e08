package events

import (
	"sync"
	"time"
)

// Event is a notification pushed to UI subscribers over the /events stream.
type Event struct {
	Type       string    `json:"type"`
	Capability string    `json:"capability,omitempty"`
	Success    bool      `json:"success"`
	Count      int       `json:"count,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// SyncCompleted builds the single completion notification a sync pass emits.
func SyncCompleted(capability string, success bool, count int) Event {
	return Event{
		Type:       "sync_completed",
		Capability: capability,
		Success:    success,
		Count:      count,
		At:         time.Now().UTC(),
	}
}

// Bus fans events out to subscribers. Slow subscribers drop events rather
// than blocking publishers.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. Call the returned cancel function
// to unsubscribe; the channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
