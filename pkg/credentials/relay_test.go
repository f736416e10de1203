package credentials

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientAddAccountSignsAndPosts(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{
		BaseURL:        server.URL,
		SigningKey:     "topsecret",
		RequestingUser: "jobcreator",
	})

	err := client.AddAccount(context.Background(), []byte(`{"provider":"ec2"}`))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/accounts", gotPath)
	assert.Equal(t, `{"provider":"ec2"}`, string(gotBody))

	require.True(t, len(gotAuth) > len("Bearer "))
	token := gotAuth[len("Bearer "):]
	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(*jwt.Token) (interface{}, error) {
		return []byte("topsecret"), nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(*jwtClaims)
	assert.Equal(t, "jobcreator", claims.RequestingUser)
}

func TestHTTPClientDeleteAccountUsesDeleteActionPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, SigningKey: "k", RequestingUser: "jobcreator"})
	require.NoError(t, client.DeleteAccount(context.Background(), []byte(`{"provider":"ec2"}`)))
	assert.Equal(t, "/accounts/delete", gotPath)
}

func TestHTTPClientRelayReturnsErrorOnFailureStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid account"))
	}))
	defer server.Close()

	client := NewHTTPClient(HTTPClientConfig{BaseURL: server.URL, SigningKey: "k", RequestingUser: "jobcreator"})
	err := client.AddAccount(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
