package broker

import (
	"context"
	"fmt"
	"sync"
)

var _ Broker = (*Client)(nil)
var _ Broker = (*Fake)(nil)

// Fake is an in-memory Broker used by package tests across mash:
// listener, jobcreator, and obswatchdog all exercise their dispatch
// logic against it instead of a live broker connection.
type Fake struct {
	mu         sync.Mutex
	exchanges  map[string]bool
	queues     map[string]bool
	bindings   map[string][]binding // exchange -> bindings
	consumers  map[string]Handler   // queue -> handler
	published  []Published
	closed     bool
}

type binding struct {
	queue      string
	routingKey string
}

// Published records one call to Publish, for test assertions.
type Published struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		exchanges: make(map[string]bool),
		queues:    make(map[string]bool),
		bindings:  make(map[string][]binding),
		consumers: make(map[string]Handler),
	}
}

func (f *Fake) DeclareExchange(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = true
	return nil
}

func (f *Fake) DeclareQueue(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[name] = true
	return nil
}

func (f *Fake) Bind(exchange, queue, routingKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exchanges[exchange] {
		return fmt.Errorf("fake broker: exchange %q not declared", exchange)
	}
	f.bindings[exchange] = append(f.bindings[exchange], binding{queue: queue, routingKey: routingKey})
	return nil
}

// Publish records the publish and, if a consumer is registered for any
// queue bound to exchange under routingKey, delivers synchronously.
func (f *Fake) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("fake broker: closed")
	}
	f.published = append(f.published, Published{Exchange: exchange, RoutingKey: routingKey, Body: body})

	var targets []Handler
	for _, b := range f.bindings[exchange] {
		if b.routingKey != routingKey {
			continue
		}
		if h, ok := f.consumers[b.queue]; ok {
			targets = append(targets, h)
		}
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(Delivery{
			RoutingKey: routingKey,
			Body:       body,
			ack:        func() error { return nil },
			nack:       func(requeue bool) error { return nil },
		})
	}
	return nil
}

func (f *Fake) Consume(queue string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers[queue] = handler
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Published returns a copy of every message published so far.
func (f *Fake) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.published))
	copy(out, f.published)
	return out
}
