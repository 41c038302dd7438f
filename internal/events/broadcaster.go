// Package events fans out file tree changes to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mycloud/mycloud/internal/metrics"
)

const (
	EventCreate = "create"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Event describes one change to an owner's tree.
type Event struct {
	Type      string `json:"type"`
	NodeID    string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Owner     string `json:"-"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events to the ones
// subscribed for the event's owner.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]string),
	}
}

// Subscribe adds a subscriber for owner's events and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(owner string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = owner
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to the owner's subscribers. Non-blocking: drops
// events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, owner := range b.subscribers {
		if owner != event.Owner {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
