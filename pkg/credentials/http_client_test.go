package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key"

func TestHTTPClientRequestAccountSuccess(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/accounts/ec2", r.URL.Path)
		assert.Equal(t, "acct1", r.URL.Query().Get("account_name"))
		_ = json.NewEncoder(w).Encode(httpReplyBody{
			Provider:    "ec2",
			AccountName: "acct1",
			Credentials: map[string]string{"access_key": "AKIA", "secret_key": "shh"},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{
		BaseURL:        srv.URL,
		SigningKey:     testSigningKey,
		RequestingUser: "jobcreator",
	})

	acct, err := client.RequestAccount(context.Background(), "ec2", "acct1")
	require.NoError(t, err)
	assert.Equal(t, "acct1", acct.AccountName)
	assert.True(t, strings.HasPrefix(gotAuth, "Bearer "))

	tokenStr := strings.TrimPrefix(gotAuth, "Bearer ")
	parsed, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningKey), nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(*jwtClaims)
	assert.Equal(t, "jobcreator", claims.RequestingUser)
}

func TestHTTPClientRequestAccountNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, SigningKey: testSigningKey, RequestingUser: "jobcreator"})
	_, err := client.RequestAccount(context.Background(), "gce", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPClientRequestAccountDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, SigningKey: testSigningKey, RequestingUser: "jobcreator"})
	_, err := client.RequestAccount(context.Background(), "oci", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
}
