package tracing

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type chainFunc func(*middleware.Exchange) (*http.Response, error)

func (f chainFunc) Filter(ex *middleware.Exchange) (*http.Response, error) { return f(ex) }

func TestTracingInjectsContext(t *testing.T) {
	f, err := Middleware(&config.Middleware{Name: "tracing"})
	require.NoError(t, err)

	ex := middleware.NewExchange(httptest.NewRequest(http.MethodGet, "http://localhost:8080/echo", nil))
	var traceparent string
	var sc trace.SpanContext
	resp, err := f.Filter(ex, chainFunc(func(ex *middleware.Exchange) (*http.Response, error) {
		traceparent = ex.Request.Header.Get("Traceparent")
		sc = trace.SpanContextFromContext(ex.Context())
		return middleware.NewResponse(ex, http.StatusOK, ""), nil
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sc.IsValid())
	assert.Contains(t, traceparent, sc.TraceID().String())

	// 交换上下文仍然可以从新的 context 中取出
	got, ok := middleware.FromContext(ex.Context())
	require.True(t, ok)
	assert.Same(t, ex, got)
}
