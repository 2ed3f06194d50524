package selfforward

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/cnsync/selfgate/middleware"
	"github.com/cnsync/selfgate/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDispatcher) Dispatch(ex *middleware.Exchange) (*http.Response, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return middleware.NewResponse(ex, http.StatusOK, "local"), nil
}

type countingChain struct {
	calls int
}

func (c *countingChain) Filter(ex *middleware.Exchange) (*http.Response, error) {
	c.calls++
	return middleware.NewResponse(ex, http.StatusAccepted, "forwarded"), nil
}

func newExchange(t *testing.T, target string) *middleware.Exchange {
	t.Helper()
	ex := middleware.NewExchange(httptest.NewRequest(http.MethodGet, "http://localhost:8080/echo", nil))
	if target != "" {
		u, err := url.Parse(target)
		require.NoError(t, err)
		ex.SetTargetURL(u)
	}
	return ex
}

func TestIsSelf(t *testing.T) {
	tests := []struct {
		target string
		port   int
		want   bool
	}{
		{"http://localhost:8080/echo", 8080, true},
		{"http://LOCALHOST:8080/echo", 8080, true},
		{"http://127.0.0.1:8080/echo", 8080, true},
		{"http://[::1]:8080/echo", 8080, true},
		{"http://localhost:9090/echo", 8080, false},
		{"http://localhost/echo", 80, true},
		{"https://localhost/echo", 443, true},
		{"http://localhost/echo", 8080, false},
		{"http://httpstat.us:8080/echo", 8080, false},
		{"https://httpstat.us", 443, false},
		{"http://0.0.0.0:8080", 8080, false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			u, err := url.Parse(tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, IsSelf(u, tt.port))
		})
	}
}

func TestFilterDispatchesLocally(t *testing.T) {
	d := &countingDispatcher{}
	f := New(8080, func() middleware.Dispatcher { return d })
	chain := &countingChain{}
	ex := newExchange(t, "http://localhost:8080/echo")

	resp, err := f.Filter(ex, chain)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, 0, chain.calls)
	assert.True(t, ex.SelfForwarded())
	assert.False(t, IsBeforeForward(ex))
}

func TestFilterPassesThroughRemoteTarget(t *testing.T) {
	d := &countingDispatcher{}
	f := New(8080, func() middleware.Dispatcher { return d })
	chain := &countingChain{}
	ex := newExchange(t, "https://httpstat.us/path")

	resp, err := f.Filter(ex, chain)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 0, d.calls)
	assert.Equal(t, 1, chain.calls)
	assert.False(t, ex.SelfForwarded())
	assert.True(t, IsBeforeForward(ex))
}

func TestFilterPanicsWithoutTarget(t *testing.T) {
	f := New(8080, func() middleware.Dispatcher { return &countingDispatcher{} })
	assert.PanicsWithValue(t, errOrderViolation, func() {
		_, _ = f.Filter(newExchange(t, ""), &countingChain{})
	})
}

func TestFilterDetectsLoop(t *testing.T) {
	d := &countingDispatcher{}
	f := New(8080, func() middleware.Dispatcher { return d })
	ex := newExchange(t, "http://localhost:8080/echo")
	require.True(t, ex.MarkSelfForwarded())

	_, err := f.Filter(ex, &countingChain{})
	assert.ErrorIs(t, err, ErrSelfForwardLoop)
	assert.Equal(t, 0, d.calls)
}

func TestFilterWithoutDispatcher(t *testing.T) {
	f := New(8080, func() middleware.Dispatcher { return nil })
	_, err := f.Filter(newExchange(t, "http://localhost:8080/echo"), &countingChain{})
	assert.ErrorIs(t, err, ErrDispatcherUnavailable)
}

func TestProviderResolvedOnce(t *testing.T) {
	d := &countingDispatcher{}
	var mu sync.Mutex
	provided := 0
	f := New(8080, func() middleware.Dispatcher {
		mu.Lock()
		provided++
		mu.Unlock()
		return d
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex := middleware.NewExchange(httptest.NewRequest(http.MethodGet, "http://localhost:8080/echo", nil))
			ex.SetTargetURL(&url.URL{Scheme: "http", Host: "localhost:8080", Path: "/echo"})
			_, _ = f.Filter(ex, &countingChain{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, provided)
	assert.Equal(t, 32, d.calls)
}

func TestProviderRetriedUntilAvailable(t *testing.T) {
	d := &countingDispatcher{}
	var current middleware.Dispatcher
	provided := 0
	f := New(8080, func() middleware.Dispatcher {
		provided++
		return current
	})

	_, err := f.Filter(newExchange(t, "http://localhost:8080/echo"), &countingChain{})
	assert.ErrorIs(t, err, ErrDispatcherUnavailable)

	current = d
	for i := 0; i < 3; i++ {
		resp, err := f.Filter(newExchange(t, "http://localhost:8080/echo"), &countingChain{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 2, provided)
	assert.Equal(t, 3, d.calls)
}

func TestOrder(t *testing.T) {
	f := New(8080, nil)
	assert.Equal(t, middleware.LowestPrecedence-1, f.Order())
}

func TestBeforeForwardPredicateRegistered(t *testing.T) {
	p, err := router.LookupPredicate(PredicateName)
	require.NoError(t, err)
	ex := newExchange(t, "")
	assert.True(t, p(ex))
	ex.MarkSelfForwarded()
	assert.False(t, p(ex))
}
