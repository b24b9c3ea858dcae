package coordinator

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/models"
)

// EventType names a coordinator lifecycle event.
type EventType string

const (
	EventSyncStart      EventType = "sync-start"
	EventSyncComplete   EventType = "sync-complete"
	EventSyncError      EventType = "sync-error"
	EventPendingChanged EventType = "pending-changed"
	EventNetworkChanged EventType = "network-changed"
)

// Event is a lifecycle notification. Only the fields relevant to Type are
// set.
type Event struct {
	Type         EventType          `json:"type"`
	Report       *models.SyncReport `json:"report,omitempty"`
	Error        string             `json:"error,omitempty"`
	PendingCount int                `json:"pendingCount,omitempty"`
	Online       bool               `json:"online,omitempty"`
	Stable       bool               `json:"stable,omitempty"`
	At           time.Time          `json:"at"`
}

// MarshalJSON always writes the fields owned by the event's type, so an
// offline network-changed event carries "online":false and a drained
// queue reports "pendingCount":0.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		PendingCount *int  `json:"pendingCount,omitempty"`
		Online       *bool `json:"online,omitempty"`
		Stable       *bool `json:"stable,omitempty"`
	}{plain: plain(e)}

	switch e.Type {
	case EventPendingChanged:
		out.PendingCount = &e.PendingCount
	case EventNetworkChanged:
		out.Online, out.Stable = &e.Online, &e.Stable
	}
	return json.Marshal(out)
}

const subscriberBuffer = 32

type broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Event)}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}

func (b *broadcaster) reopen() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}
