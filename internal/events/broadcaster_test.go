package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe(Filter{})
	ch2 := b.Subscribe(Filter{})

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(Filter{})
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventOptimistic, Op: "create_folder", NamePath: "docs/B"})

	select {
	case received := <-ch:
		if received.Type != EventOptimistic {
			t.Errorf("expected type %s, got %s", EventOptimistic, received.Type)
		}
		if received.NamePath != "docs/B" {
			t.Errorf("expected name path docs/B, got %s", received.NamePath)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(Filter{})
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventRefreshed})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 64 {
				t.Errorf("expected 64 buffered events, got %d", count)
			}
			return
		}
	}
}

func TestBroadcasterFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"zero filter", Filter{}, Event{Type: EventRefreshed, Root: "doc"}, true},
		{"root match", Filter{Root: "doc"}, Event{Root: "doc"}, true},
		{"root mismatch", Filter{Root: "doc"}, Event{Root: "other"}, false},
		{"under itself", Filter{Under: "A"}, Event{NamePath: "A"}, true},
		{"under child", Filter{Under: "A"}, Event{NamePath: "A/f1"}, true},
		{"under sibling prefix", Filter{Under: "A"}, Event{NamePath: "AB/f1"}, false},
		{"under non-ascii", Filter{Under: "Café"}, Event{NamePath: "Café/f1"}, true},
		{"whole-tree event", Filter{Under: "A"}, Event{Type: EventLoaded}, true},
		{"type match", Filter{Types: []string{EventRolledBack}}, Event{Type: EventRolledBack}, true},
		{"type mismatch", Filter{Types: []string{EventRolledBack}}, Event{Type: EventConfirmed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.event); got != tt.want {
				t.Errorf("Match(%+v) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestBroadcasterDeliversOnlyMatchingEvents(t *testing.T) {
	b := NewBroadcaster()
	all := b.Subscribe(Filter{})
	defer b.Unsubscribe(all)
	paper := b.Subscribe(Filter{Root: "paper", Under: "chapters"})
	defer b.Unsubscribe(paper)

	b.Publish(Event{Type: EventConfirmed, Root: "paper", NamePath: "chapters/intro.tex"})
	b.Publish(Event{Type: EventConfirmed, Root: "paper", NamePath: "main.tex"})
	b.Publish(Event{Type: EventConfirmed, Root: "thesis", NamePath: "chapters/intro.tex"})

	if len(all) != 3 {
		t.Errorf("unfiltered subscriber got %d events, want 3", len(all))
	}
	if len(paper) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(paper))
	}
	if e := <-paper; e.NamePath != "chapters/intro.tex" || e.Seq != 1 {
		t.Errorf("filtered event = %+v, want chapters/intro.tex with seq 1", e)
	}
	var last uint64
	for len(all) > 0 {
		e := <-all
		if e.Seq != last+1 {
			t.Errorf("seq = %d after %d, want consecutive", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestNilBroadcasterDiscards(t *testing.T) {
	var b *Broadcaster
	b.Publish(Event{Type: EventLoaded})
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSForwarderRelaysEvents(t *testing.T) {
	b := NewBroadcaster()
	pub := &fakePublisher{}
	f := newForwarder(pub, "drivemirror.doc1", b)
	f.Start()

	b.Publish(Event{Type: EventConfirmed, Op: "rename", EntryID: "a1"})
	b.Publish(Event{Type: EventRolledBack, Op: "move", EntryID: "a2"})
	f.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.subjects) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(pub.subjects))
	}
	if pub.subjects[0] != "drivemirror.doc1.confirmed" {
		t.Errorf("subject = %q, want %q", pub.subjects[0], "drivemirror.doc1.confirmed")
	}
	var e Event
	if err := json.Unmarshal(pub.payloads[1], &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.EntryID != "a2" || e.Op != "move" {
		t.Errorf("unexpected payload: %+v", e)
	}
}
