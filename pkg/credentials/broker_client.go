package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/mash/pkg/broker"
)

// DefaultRequestTimeout is how long a stage handler waits for a
// credentials reply before giving up (spec.md §4.C).
const DefaultRequestTimeout = 60 * time.Second

// BrokerClient requests credentials over the broker, correlating each
// request with its reply via a correlation id carried in the message
// body. It is the flavor stage handlers use inside RunJob — they
// already hold a broker connection, so no second transport is needed.
type BrokerClient struct {
	b               broker.Broker
	exchange        string
	requestKey      string
	replyQueue      string
	timeout         time.Duration

	mu      sync.Mutex
	pending map[string]chan brokerReply
}

type brokerRequest struct {
	CorrelationID string `json:"correlation_id"`
	ReplyTo       string `json:"reply_to"`
	Cloud         string `json:"cloud"`
	AccountName   string `json:"account_name,omitempty"`
}

type brokerReply struct {
	CorrelationID string            `json:"correlation_id"`
	Provider      string            `json:"provider"`
	AccountName   string            `json:"account_name"`
	Credentials   map[string]string `json:"credentials"`
	Error         string            `json:"error,omitempty"`
	NotFound      bool              `json:"not_found,omitempty"`
}

// BrokerClientConfig configures a BrokerClient.
type BrokerClientConfig struct {
	Exchange   string // exchange the credentials service listens on
	RequestKey string // routing key for outbound requests
	ReplyQueue string // queue this client consumes replies on
	Timeout    time.Duration
}

// NewBrokerClient wires up a BrokerClient against an already-connected
// broker.Broker. It declares and starts consuming its reply queue
// immediately so replies are never missed.
func NewBrokerClient(b broker.Broker, cfg BrokerClientConfig) (*BrokerClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	c := &BrokerClient{
		b:          b,
		exchange:   cfg.Exchange,
		requestKey: cfg.RequestKey,
		replyQueue: cfg.ReplyQueue,
		timeout:    cfg.Timeout,
		pending:    make(map[string]chan brokerReply),
	}

	if err := b.DeclareQueue(cfg.ReplyQueue); err != nil {
		return nil, fmt.Errorf("credentials: declare reply queue: %w", err)
	}
	if err := b.Consume(cfg.ReplyQueue, c.handleReply); err != nil {
		return nil, fmt.Errorf("credentials: consume reply queue: %w", err)
	}
	return c, nil
}

func (c *BrokerClient) handleReply(d broker.Delivery) {
	defer func() { _ = d.Ack() }()

	var reply brokerReply
	if err := json.Unmarshal(d.Body, &reply); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[reply.CorrelationID]
	if ok {
		delete(c.pending, reply.CorrelationID)
	}
	c.mu.Unlock()

	if ok {
		ch <- reply
	}
}

// RequestAccount publishes a credentials request and blocks until the
// matching reply arrives, ctx is cancelled, or the configured timeout
// elapses — whichever comes first.
func (c *BrokerClient) RequestAccount(ctx context.Context, cloud, account string) (*CloudAccount, error) {
	corrID := uuid.NewString()
	replyCh := make(chan brokerReply, 1)

	c.mu.Lock()
	c.pending[corrID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
	}()

	req := brokerRequest{
		CorrelationID: corrID,
		ReplyTo:       c.replyQueue,
		Cloud:         cloud,
		AccountName:   account,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: err}
	}

	if err := c.b.Publish(ctx, c.exchange, c.requestKey, body); err != nil {
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: err}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case reply := <-replyCh:
		if reply.NotFound {
			return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: ErrNotFound}
		}
		if reply.Error != "" {
			return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: fmt.Errorf("%s", reply.Error)}
		}
		return &CloudAccount{
			Provider:    reply.Provider,
			AccountName: reply.AccountName,
			Credentials: reply.Credentials,
		}, nil
	case <-timeoutCtx.Done():
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: ErrTimeout}
	}
}

var _ Client = (*BrokerClient)(nil)
