// Package broker implements the durable-exchange/durable-queue messaging
// model every MASH service is built on (spec.md §4.A). Each service owns
// exactly one connection and one channel; publishes are serialized
// behind a mutex (the channel itself is not safe for concurrent use);
// and an unexpected connection loss causes the process to exit non-zero,
// leaving restart to an external supervisor.
//
// No example repository in the retrieval pack talks to a message
// broker, so this package is built directly against spec.md's
// requirements rather than adapted from a teacher file — see
// DESIGN.md's "Dropped / out-of-pack dependencies" entry.
package broker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const heartbeatInterval = 600 * time.Second

// ExchangeType is the broker exchange type. MASH uses exactly one kind:
// direct exchanges, one per service (spec.md §6).
const ExchangeType = "direct"

// Delivery is a single inbound message handed to a consumer callback.
// Ack/Nack mirror the manual-acknowledgement model spec.md §4.A
// requires ("consume(queue, callback) with manual ack").
type Delivery struct {
	RoutingKey string
	Body       []byte

	ack  func() error
	nack func(requeue bool) error
}

// Ack acknowledges successful processing of the delivery.
func (d Delivery) Ack() error { return d.ack() }

// Nack rejects the delivery, optionally requeueing it. spec.md §4.F's
// "requeue-once" policy for listener messages that arrive before their
// job document is implemented by callers tracking attempt counts
// themselves; Nack here is the raw primitive.
func (d Delivery) Nack(requeue bool) error { return d.nack(requeue) }

// Handler processes one delivery. It is responsible for calling Ack or
// Nack itself so that handling failures can choose to requeue.
type Handler func(Delivery)

// Broker is the surface every MASH service depends on. Production code
// uses *Client; tests substitute an in-memory fake so the listener and
// job-creator packages can be exercised without a live broker.
type Broker interface {
	DeclareExchange(name string) error
	DeclareQueue(name string) error
	Bind(exchange, queue, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Consume(queue string, handler Handler) error
	Close() error
}

// Client wraps one AMQP connection and one channel, satisfying spec.md
// §4.A/§5's "each service owns exactly one connection and one channel."
type Client struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	pubMu   sync.Mutex // the broker channel is single-threaded; all publishes funnel through this lock
	onFatal func(error)
}

// Config configures a broker connection.
type Config struct {
	Host     string
	Port     int
	User     string
	Pass     string
	VHost    string
	UseTLS   bool
	OnFatal  func(error) // called (then the process exits) on unexpected connection loss
}

func (c Config) url() string {
	scheme := "amqp"
	if c.UseTLS {
		scheme = "amqps"
	}
	vhost := c.VHost
	port := c.Port
	if port == 0 {
		port = 5672
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, c.User, c.Pass, c.Host, port, vhost)
}

// Connect dials the broker and opens a channel. It installs a
// NotifyClose watcher: on an unexpected close, it invokes cfg.OnFatal
// (if set) and then exits the process with status 1, per spec.md §4.A
// ("On connection loss during start_consuming, the process exits
// non-zero — supervision is external").
func Connect(cfg Config) (*Client, error) {
	conn, err := amqp.DialConfig(cfg.url(), amqp.Config{
		Heartbeat: heartbeatInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}

	c := &Client{conn: conn, ch: ch, onFatal: cfg.OnFatal}

	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)
	go c.watchClose(closeCh)

	return c, nil
}

func (c *Client) watchClose(closeCh chan *amqp.Error) {
	err := <-closeCh
	if err == nil {
		return // clean Close() call, not a failure
	}
	if c.onFatal != nil {
		c.onFatal(fmt.Errorf("broker: connection closed: %w", err))
	}
	exitProcess(1)
}

// exitProcess is a var so tests can intercept it instead of killing the
// test binary.
var exitProcess = func(code int) {
	os.Exit(code)
}

// DeclareExchange declares a durable direct exchange.
func (c *Client) DeclareExchange(name string) error {
	return c.ch.ExchangeDeclare(name, ExchangeType, true, false, false, false, nil)
}

// DeclareQueue declares a durable queue.
func (c *Client) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

// Bind binds queue to exchange under routingKey.
func (c *Client) Bind(exchange, queue, routingKey string) error {
	return c.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// Publish sends body to exchange under routingKey with persistent
// delivery mode, mandatory publish, and content-type application/json
// (spec.md §4.A/§6). Publishes are serialized because the underlying
// channel is not safe for concurrent use.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	return c.ch.PublishWithContext(ctx, exchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume registers handler against queue with manual acknowledgement.
// It returns once the consumer goroutine has started; handler runs for
// each delivery until the channel or connection is closed.
func (c *Client) Consume(queue string, handler Handler) error {
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	go func() {
		for d := range deliveries {
			delivery := d
			handler(Delivery{
				RoutingKey: delivery.RoutingKey,
				Body:       delivery.Body,
				ack:        func() error { return delivery.Ack(false) },
				nack:       func(requeue bool) error { return delivery.Nack(false, requeue) },
			})
		}
	}()
	return nil
}

// Close closes the channel and connection cleanly. A clean Close does
// not trigger the fatal-exit path: watchClose sees a nil error on the
// notify channel.
func (c *Client) Close() error {
	var firstErr error
	if err := c.ch.Close(); err != nil {
		firstErr = err
	}
	if err := c.conn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
