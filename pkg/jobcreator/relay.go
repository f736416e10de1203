package jobcreator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/3leaps/mash/pkg/broker"
	"github.com/3leaps/mash/pkg/schema"
)

// handleListenerMessage dispatches add_account/delete_account messages
// by routing key, matching service.py's _handle_listener_message.
func (jc *JobCreator) handleListenerMessage(d broker.Delivery) {
	defer func() { _ = d.Ack() }()

	switch d.RoutingKey {
	case addAccountRoutingKey:
		jc.AddAccount(context.Background(), d.Body)
	case deleteAccountRoutingKey:
		jc.DeleteAccount(context.Background(), d.Body)
	default:
		jc.log.Warn("received unknown listener message type", zap.String("routing_key", d.RoutingKey))
	}
}

// AddAccount validates an add_account message against its schema and,
// if valid, relays it to the credentials service over HTTP. Invalid
// messages are logged and dropped, never forwarded.
func (jc *JobCreator) AddAccount(ctx context.Context, raw []byte) {
	if err := schema.ValidateRaw(schema.KindAddAccount, raw); err != nil {
		jc.log.Error("add_account message is invalid", zap.Error(err))
		return
	}
	if jc.deps.AccountRelay == nil {
		jc.log.Warn("add_account received but no credentials relay configured")
		return
	}
	if err := jc.deps.AccountRelay.AddAccount(ctx, raw); err != nil {
		jc.log.Error("failed to relay add_account to credentials service", zap.Error(err))
	}
}

// DeleteAccount validates a delete_account message against its schema
// and, if valid, relays it to the credentials service over HTTP.
func (jc *JobCreator) DeleteAccount(ctx context.Context, raw []byte) {
	if err := schema.ValidateRaw(schema.KindDeleteAccount, raw); err != nil {
		jc.log.Error("delete_account message is invalid", zap.Error(err))
		return
	}
	if jc.deps.AccountRelay == nil {
		jc.log.Warn("delete_account received but no credentials relay configured")
		return
	}
	if err := jc.deps.AccountRelay.DeleteAccount(ctx, raw); err != nil {
		jc.log.Error("failed to relay delete_account to credentials service", zap.Error(err))
	}
}
