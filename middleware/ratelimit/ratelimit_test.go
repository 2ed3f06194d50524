package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingChain struct{ calls int }

func (c *countingChain) Filter(ex *middleware.Exchange) (*http.Response, error) {
	c.calls++
	return middleware.NewResponse(ex, http.StatusOK, "ok"), nil
}

func newExchange() *middleware.Exchange {
	return middleware.NewExchange(httptest.NewRequest(http.MethodGet, "http://localhost:8080/echo", nil))
}

func TestRateLimit(t *testing.T) {
	f, err := Middleware(&config.Middleware{Name: "ratelimit", Options: []byte(`{"rps": 1, "burst": 2}`)})
	require.NoError(t, err)
	chain := &countingChain{}

	for i := 0; i < 2; i++ {
		resp, err := f.Filter(newExchange(), chain)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, err := f.Filter(newExchange(), chain)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	assert.Equal(t, 2, chain.calls)
}

func TestRateLimitOptions(t *testing.T) {
	_, err := Middleware(&config.Middleware{Name: "ratelimit"})
	assert.Error(t, err)
	_, err = Middleware(&config.Middleware{Name: "ratelimit", Options: []byte(`{"rps": "fast"}`)})
	assert.Error(t, err)
	_, err = Middleware(&config.Middleware{Name: "ratelimit", Options: []byte(`{"rps": 0.5}`)})
	assert.NoError(t, err)
}
