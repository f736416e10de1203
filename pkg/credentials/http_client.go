package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims is the bearer-token payload the Job Creator presents to
// the credentials service, signed HS256, grounded on the
// jwt.RegisteredClaims + jwt.NewWithClaims(jwt.SigningMethodHS256, ...)
// pattern used for access tokens in yungbote-neurobridge-backend.
type jwtClaims struct {
	RequestingUser string `json:"requesting_user"`
	jwt.RegisteredClaims
}

// HTTPClient requests credentials over HTTP, authenticating with a
// short-lived HS256 JWT. Only the Job Creator uses this flavor
// (spec.md §4.C / §4.H) — stage handlers use BrokerClient instead.
type HTTPClient struct {
	baseURL        string
	signingKey     []byte
	requestingUser string
	tokenTTL       time.Duration
	httpClient     *http.Client
}

// HTTPClientConfig configures an HTTPClient.
type HTTPClientConfig struct {
	BaseURL        string // e.g. https://credentials.internal
	SigningKey     string
	RequestingUser string // identity asserted in the token, e.g. "jobcreator"
	TokenTTL       time.Duration
	HTTPClient     *http.Client
}

// NewHTTPClient builds an HTTPClient from cfg, defaulting TokenTTL to
// one minute and HTTPClient to a client with a 10s timeout.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:        cfg.BaseURL,
		signingKey:     []byte(cfg.SigningKey),
		requestingUser: cfg.RequestingUser,
		tokenTTL:       cfg.TokenTTL,
		httpClient:     cfg.HTTPClient,
	}
}

func (c *HTTPClient) signToken() (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RequestingUser: c.requestingUser,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.signingKey)
}

type httpReplyBody struct {
	Provider    string            `json:"provider"`
	AccountName string            `json:"account_name"`
	Credentials map[string]string `json:"credentials"`
}

// RequestAccount fetches the credential bundle for account under
// cloud from GET {baseURL}/accounts/{cloud}?account_name={account},
// presenting a freshly-signed JWT as a bearer token on every call.
func (c *HTTPClient) RequestAccount(ctx context.Context, cloud, account string) (*CloudAccount, error) {
	token, err := c.signToken()
	if err != nil {
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: err}
	}

	url := fmt.Sprintf("%s/accounts/%s", c.baseURL, cloud)
	if account != "" {
		url = fmt.Sprintf("%s?account_name=%s", url, account)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: ErrNotFound}
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: ErrDenied}
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, &RequestError{
			Op:      "RequestAccount",
			Cloud:   cloud,
			Account: account,
			Err:     fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	var reply httpReplyBody
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, &RequestError{Op: "RequestAccount", Cloud: cloud, Account: account, Err: err}
	}

	return &CloudAccount{
		Provider:    reply.Provider,
		AccountName: reply.AccountName,
		Credentials: reply.Credentials,
	}, nil
}

var _ Client = (*HTTPClient)(nil)
