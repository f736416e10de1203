// Package credentials implements the two flavors of credentials client
// spec.md §4.C describes: a broker-RPC client used by stage handlers
// during RunJob, and an HTTP-JWT client used only by the Job Creator
// when relaying add_account/delete_account requests. Both return the
// same CloudAccount shape so stage handlers don't care which transport
// fetched it.
package credentials

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors, in the style of pkg/provider/errors.go (teacher):
// small, errors.Is-friendly predicates rather than typed exceptions.
var (
	ErrNotFound = errors.New("credentials: account not found")
	ErrTimeout  = errors.New("credentials: request timed out")
	ErrDenied   = errors.New("credentials: access denied")
)

// RequestError wraps a failed credentials request with enough context
// to log usefully, mirroring pkg/provider.ProviderError's shape.
type RequestError struct {
	Op      string
	Cloud   string
	Account string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("credentials %s: %s/%s: %v", e.Op, e.Cloud, e.Account, e.Err)
	}
	return fmt.Sprintf("credentials %s: %s: %v", e.Op, e.Cloud, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// IsNotFound reports whether err indicates the requested account does
// not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CloudAccount is the credential bundle handed back to a stage handler
// for a single cloud account (spec.md §4.C / §3 CredentialsBundle).
type CloudAccount struct {
	Provider    string            `json:"provider"`
	AccountName string            `json:"account_name"`
	Credentials map[string]string `json:"credentials"`
}

// Client is the surface stage handlers and the Job Creator depend on.
// Two concrete implementations exist below: BrokerClient (broker-RPC,
// used inside RunJob) and HTTPClient (HTTP+JWT, used by the Job
// Creator only).
type Client interface {
	// RequestAccount fetches the credential bundle for a single named
	// account under cloud. If account is empty, the server picks any
	// available account for cloud.
	RequestAccount(ctx context.Context, cloud, account string) (*CloudAccount, error)
}
