package fxrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opstracker/backend/internal/logging"
)

func TestHTTPProviderParsesRates(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amount":1.0,"base":"USD","date":"2025-03-14","rates":{"EUR":0.9187}}`))
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, time.Second, logging.Discard(), nil)
	rate, err := provider.Fetch(context.Background(), day, "USD", "EUR")
	require.NoError(t, err)
	assert.Equal(t, "0.9187", rate.String())
	assert.Equal(t, "/2025-03-14", gotPath)
	assert.Equal(t, "from=USD&to=EUR", gotQuery)
}

func TestHTTPProviderMissingRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rates":{}}`))
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, time.Second, logging.Discard(), nil)
	_, err := provider.Fetch(context.Background(), day, "USD", "EUR")
	assert.Error(t, err)
}

func TestHTTPProviderBreakerOpensAfterRepeatedFailures(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, time.Second, logging.Discard(), nil)
	for i := 0; i < 5; i++ {
		_, err := provider.Fetch(context.Background(), day, "USD", "EUR")
		assert.Error(t, err)
	}
	assert.Equal(t, 3, hits)
	assert.Equal(t, gobreaker.StateOpen, provider.State())
}
