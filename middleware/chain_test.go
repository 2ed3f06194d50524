package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExchange() *Exchange {
	return NewExchange(httptest.NewRequest(http.MethodGet, "http://localhost:8080/echo", nil))
}

func recording(name string, trace *[]string) Filter {
	return FilterFunc(func(ex *Exchange, chain Chain) (*http.Response, error) {
		*trace = append(*trace, name+":before")
		resp, err := chain.Filter(ex)
		*trace = append(*trace, name+":after")
		return resp, err
	})
}

func terminal(trace *[]string) Filter {
	return FilterFunc(func(ex *Exchange, _ Chain) (*http.Response, error) {
		*trace = append(*trace, "terminal")
		return NewResponse(ex, http.StatusOK, "ok"), nil
	})
}

func TestExecuteRunsFiltersInOrder(t *testing.T) {
	var trace []string
	resp, err := Execute([]Filter{recording("a", &trace), recording("b", &trace), terminal(&trace)}, newTestExchange())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"a:before", "b:before", "terminal", "b:after", "a:after"}, trace)
}

func TestExecuteShortCircuit(t *testing.T) {
	var trace []string
	deny := FilterFunc(func(ex *Exchange, _ Chain) (*http.Response, error) {
		trace = append(trace, "deny")
		return NewResponse(ex, http.StatusForbidden, "denied"), nil
	})
	resp, err := Execute([]Filter{recording("a", &trace), deny, recording("b", &trace), terminal(&trace)}, newTestExchange())
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "denied", string(body))
	assert.Equal(t, []string{"a:before", "deny", "a:after"}, trace)
}

func TestExecuteEachFilterAtMostOnce(t *testing.T) {
	counts := map[string]int{}
	twice := FilterFunc(func(ex *Exchange, chain Chain) (*http.Response, error) {
		counts["twice"]++
		_, _ = chain.Filter(ex)
		return chain.Filter(ex)
	})
	next := FilterFunc(func(ex *Exchange, chain Chain) (*http.Response, error) {
		counts["next"]++
		return NewResponse(ex, http.StatusOK, ""), nil
	})
	_, err := Execute([]Filter{twice, next}, newTestExchange())
	assert.ErrorIs(t, err, ErrChainExhausted)
	assert.Equal(t, 1, counts["twice"])
	assert.Equal(t, 1, counts["next"])
}

func TestExecuteWithoutTerminal(t *testing.T) {
	_, err := Execute([]Filter{EmptyFilter}, newTestExchange())
	assert.True(t, errors.Is(err, ErrChainExhausted))
}

type namedFilter struct {
	inner Filter
	name  string
}

func (n *namedFilter) Filter(ex *Exchange, chain Chain) (*http.Response, error) {
	return n.inner.Filter(ex, chain)
}

func TestSortMergesRouteAndGlobalFilters(t *testing.T) {
	named := func(name string) Filter { return &namedFilter{inner: EmptyFilter, name: name} }
	global := []GlobalFilter{
		WithOrder(named("forward"), ForwardOrder),
		WithOrder(named("selfforward"), SelfForwardOrder),
		WithOrder(named("requesturl"), RequestURLOrder),
		WithOrder(named("requestid"), -100),
	}
	route := []Filter{named("r1"), named("r2"), named("r3")}

	var got []string
	for _, f := range Sort(route, global) {
		switch v := f.(type) {
		case *namedFilter:
			got = append(got, v.name)
		case *orderedFilter:
			got = append(got, v.inner.(*namedFilter).name)
		}
	}
	assert.Equal(t, []string{"requestid", "r1", "r2", "r3", "requesturl", "selfforward", "forward"}, got)
}

func TestWithOrderDelegates(t *testing.T) {
	var trace []string
	var g GlobalFilter = WithOrder(recording("wrapped", &trace), RequestURLOrder)
	assert.Equal(t, RequestURLOrder, g.Order())

	resp, err := Execute([]Filter{g, terminal(&trace)}, newTestExchange())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"wrapped:before", "terminal", "wrapped:after"}, trace)
}

func TestValidateGlobal(t *testing.T) {
	forward := WithOrder(EmptyFilter, ForwardOrder)
	assert.NoError(t, ValidateGlobal([]GlobalFilter{WithOrder(EmptyFilter, SelfForwardOrder), forward}))
	assert.Error(t, ValidateGlobal([]GlobalFilter{WithOrder(EmptyFilter, SelfForwardOrder)}))
	assert.Error(t, ValidateGlobal([]GlobalFilter{forward, WithOrder(EmptyFilter, LowestPrecedence)}))
	assert.Less(t, SelfForwardOrder, ForwardOrder)
	assert.Less(t, RequestURLOrder, SelfForwardOrder)
}

func TestExchangeSelfForwarded(t *testing.T) {
	ex := newTestExchange()
	assert.False(t, ex.SelfForwarded())
	assert.True(t, ex.MarkSelfForwarded())
	assert.True(t, ex.SelfForwarded())
	assert.False(t, ex.MarkSelfForwarded())
	assert.True(t, ex.SelfForwarded())
}

func TestExchangeContext(t *testing.T) {
	ex := newTestExchange()
	ex.Route.ID = "route1"
	got, ok := FromContext(ex.Context())
	require.True(t, ok)
	assert.Same(t, ex, got)
	assert.Equal(t, "route1", RouteIDFromContext(ex.Context()))
	assert.Equal(t, "", RouteIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))

	assert.Nil(t, ex.TargetURL())
	u, _ := url.Parse("http://localhost:8080/echo")
	ex.SetTargetURL(u)
	assert.Equal(t, u, ex.TargetURL())

	ex.Values.Set("k", "v")
	v, ok := ex.Values.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestHandlerAsDispatcher(t *testing.T) {
	var d Dispatcher = Handler(func(ex *Exchange) (*http.Response, error) {
		return NewResponse(ex, http.StatusTeapot, "tea"), nil
	})
	resp, err := d.Dispatch(newTestExchange())
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, int64(3), resp.ContentLength)
}
