package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fruitsalade/drivemirror/internal/logging"
)

// publisher is the subset of *nats.Conn the forwarder needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder relays broadcaster events to a NATS subject so other
// processes can follow tree changes. Events are published on
// "<subject>.<type>".
type NATSForwarder struct {
	nc      *nats.Conn
	pub     publisher
	subject string
	b       *Broadcaster
	ch      chan Event
	wg      sync.WaitGroup
}

// NewNATSForwarder connects to natsURL and prepares a forwarder for b.
func NewNATSForwarder(natsURL, subject string, b *Broadcaster) (*NATSForwarder, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("drivemirror"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f := newForwarder(nc, subject, b)
	f.nc = nc
	return f, nil
}

func newForwarder(pub publisher, subject string, b *Broadcaster) *NATSForwarder {
	return &NATSForwarder{pub: pub, subject: subject, b: b}
}

// Start subscribes to the broadcaster and forwards events until Stop.
func (f *NATSForwarder) Start() {
	f.ch = f.b.Subscribe(Filter{})
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for e := range f.ch {
			data, err := MarshalEvent(e)
			if err != nil {
				logging.Warn("marshal event failed", logging.Err(err))
				continue
			}
			if err := f.pub.Publish(f.subject+"."+e.Type, data); err != nil {
				logging.Warn("publish event failed",
					logging.String("subject", f.subject),
					logging.Err(err),
				)
			}
		}
	}()
	logging.Info("NATS event forwarding enabled", logging.String("subject", f.subject))
}

// Stop unsubscribes, waits for in-flight events and drains the connection.
func (f *NATSForwarder) Stop() {
	if f.ch != nil {
		f.b.Unsubscribe(f.ch)
		f.wg.Wait()
		f.ch = nil
	}
	if f.nc != nil {
		if err := f.nc.Drain(); err != nil {
			f.nc.Close()
		}
	}
}
