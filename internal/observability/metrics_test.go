package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/mash/pkg/listener"
)

func TestNewServerExposesHealthzAndMetrics(t *testing.T) {
	registry := NewRegistry()
	listener.NewMetrics(registry, "obs")

	srv := httptest.NewServer(NewServer(registry))
	defer srv.Close()

	healthResp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	assert.Equal(t, http.StatusOK, healthResp.StatusCode)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
