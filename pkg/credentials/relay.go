package credentials

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// AccountRelay is implemented by credential clients that can forward
// validated account-lifecycle messages (add_account/delete_account) to
// the credentials service's administrative API. Only HTTPClient
// implements this — account lifecycle is a control-plane operation,
// distinct from the per-job secret RPCs BrokerClient serves.
type AccountRelay interface {
	AddAccount(ctx context.Context, raw []byte) error
	DeleteAccount(ctx context.Context, raw []byte) error
}

// AddAccount forwards a validated add_account message as a signed POST
// to {baseURL}/accounts.
func (c *HTTPClient) AddAccount(ctx context.Context, raw []byte) error {
	return c.relay(ctx, http.MethodPost, "/accounts", raw)
}

// DeleteAccount forwards a validated delete_account message as a
// signed POST to {baseURL}/accounts/delete. A dedicated action path is
// used (rather than DELETE-with-body, which several HTTP libraries and
// intermediaries mishandle) to keep the request semantics unambiguous.
func (c *HTTPClient) DeleteAccount(ctx context.Context, raw []byte) error {
	return c.relay(ctx, http.MethodPost, "/accounts/delete", raw)
}

func (c *HTTPClient) relay(ctx context.Context, method, path string, raw []byte) error {
	token, err := c.signToken()
	if err != nil {
		return fmt.Errorf("credentials: relay: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("credentials: relay: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credentials: relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("credentials: relay %s: unexpected status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

var _ AccountRelay = (*HTTPClient)(nil)
