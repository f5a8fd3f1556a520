// Package broadcast fans a projection of bus events out to external
// consumers (SSE connections, local tools). Each consumer gets a private
// ring buffer; slow consumers are disconnected rather than allowed to block
// the core bus. No history replay.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IndenScale/monoco/internal/bus"
	"github.com/IndenScale/monoco/internal/log"
)

// defaultRingSize is the per-consumer buffer depth.
const defaultRingSize = 128

// Envelope is the wire form of one broadcast event.
type Envelope struct {
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       any       `json:"payload,omitempty"`
}

// MarshalJSONLine renders the envelope as one JSON line for SSE framing.
func (e Envelope) MarshalJSONLine() ([]byte, error) {
	return json.Marshal(e)
}

// Consumer is one attached connection.
type Consumer struct {
	id     string
	ch     chan Envelope
	cancel func()
	once   sync.Once
}

// ID returns the consumer's connection id.
func (c *Consumer) ID() string { return c.id }

// Events is the consumer's delivery channel; closed on disconnect.
func (c *Consumer) Events() <-chan Envelope { return c.ch }

// Close detaches the consumer.
func (c *Consumer) Close() { c.cancel() }

// Broadcaster subscribes to the whole bus and multiplexes envelopes to
// attached consumers.
type Broadcaster struct {
	ringSize int

	mu        sync.Mutex
	consumers map[string]*Consumer
	sub       *bus.Subscription
}

// New creates a broadcaster and attaches it to the bus.
func New(b *bus.Bus) *Broadcaster {
	bc := &Broadcaster{
		ringSize:  defaultRingSize,
		consumers: make(map[string]*Consumer),
	}
	bc.sub = b.SubscribeAll(bus.HandlerFunc{
		HandlerName: "broadcaster",
		Fn: func(_ context.Context, ev bus.Event) error {
			bc.fanOut(ev)
			return nil
		},
	})
	return bc
}

// Attach registers a new consumer.
func (bc *Broadcaster) Attach() *Consumer {
	c := &Consumer{
		id: uuid.New().String(),
		ch: make(chan Envelope, bc.ringSize),
	}
	c.cancel = func() {
		c.once.Do(func() {
			bc.mu.Lock()
			delete(bc.consumers, c.id)
			bc.mu.Unlock()
			close(c.ch)
		})
	}

	bc.mu.Lock()
	bc.consumers[c.id] = c
	bc.mu.Unlock()
	log.Debug(log.CatDaemon, "broadcast consumer attached", "consumer", c.id)
	return c
}

// ConsumerCount returns the number of attached consumers.
func (bc *Broadcaster) ConsumerCount() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.consumers)
}

// fanOut delivers one event to every consumer, disconnecting any whose
// ring is full.
func (bc *Broadcaster) fanOut(ev bus.Event) {
	env := Envelope{
		Type:          string(ev.Type),
		Timestamp:     ev.Timestamp,
		CorrelationID: ev.CorrelationID,
		Payload:       ev.Payload,
	}

	bc.mu.Lock()
	stale := make([]*Consumer, 0)
	for _, c := range bc.consumers {
		select {
		case c.ch <- env:
		default:
			stale = append(stale, c)
		}
	}
	bc.mu.Unlock()

	for _, c := range stale {
		log.Warn(log.CatDaemon, "slow broadcast consumer dropped", "consumer", c.id)
		c.Close()
	}
}

// Close detaches every consumer and unsubscribes from the bus.
func (bc *Broadcaster) Close() {
	bc.sub.Cancel()

	bc.mu.Lock()
	consumers := make([]*Consumer, 0, len(bc.consumers))
	for _, c := range bc.consumers {
		consumers = append(consumers, c)
	}
	bc.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
}
