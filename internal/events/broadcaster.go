// Package events broadcasts flat tree changes to in-process subscribers.
package events

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/drivemirror/internal/metrics"
)

const (
	EventLoaded     = "loaded"
	EventOptimistic = "optimistic"
	EventConfirmed  = "confirmed"
	EventRolledBack = "rolled_back"
	EventRefreshed  = "refreshed"
)

// Event describes one applied transition of the flat tree model. Seq grows
// by one per published event, so a gap tells a subscriber it lost events.
type Event struct {
	Seq       uint64 `json:"seq"`
	Type      string `json:"type"`
	Op        string `json:"op,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
	NamePath  string `json:"name_path,omitempty"`
	Root      string `json:"root,omitempty"`
	Entries   int    `json:"entries"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Filter selects the events delivered to one subscriber. Empty fields match
// everything.
type Filter struct {
	Root  string   // context key of the mirrored root
	Under string   // name path; matches it and every path below it
	Types []string // event types
}

// Match reports whether e passes the filter. Events without a name path
// (loads, full refreshes) pass any Under.
func (f Filter) Match(e Event) bool {
	if f.Root != "" && e.Root != f.Root {
		return false
	}
	if f.Under != "" && e.NamePath != "" &&
		e.NamePath != f.Under && !strings.HasPrefix(e.NamePath, f.Under+"/") {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return true
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	seq         atomic.Uint64
	subscribers map[chan Event]Filter
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]Filter),
	}
}

// Subscribe adds a subscriber receiving the events that pass f and returns
// its channel. The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(f Filter) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = f
	b.mu.Unlock()
	metrics.SetEventSubscribers(b.Count())
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetEventSubscribers(b.Count())
}

// Publish stamps event and sends it to every matching subscriber. A full
// subscriber buffer drops the event for that subscriber only. A nil
// Broadcaster discards events.
func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	event.Seq = b.seq.Add(1)
	for ch, f := range b.subscribers {
		if !f.Match(event) {
			continue
		}
		select {
		case ch <- event:
		default:
			metrics.RecordEventDropped()
		}
	}
	metrics.RecordEventPublished(event.Type)
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
