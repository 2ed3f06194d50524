package rewrite

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChain struct{ req *http.Request }

func (c *captureChain) Filter(ex *middleware.Exchange) (*http.Response, error) {
	c.req = ex.Request
	return middleware.NewResponse(ex, http.StatusOK, ""), nil
}

func TestRewrite(t *testing.T) {
	tests := []struct {
		name    string
		options string
		path    string
		want    string
	}{
		{name: "strip prefix", options: `{"strip_prefix": "/api"}`, path: "/api/users", want: "/users"},
		{name: "strip whole path", options: `{"strip_prefix": "/api"}`, path: "/api", want: "/"},
		{name: "strip without slash", options: `{"strip_prefix": "/ap"}`, path: "/api/users", want: "/i/users"},
		{name: "path rewrite", options: `{"path_rewrite": "/echo"}`, path: "/anything", want: "/echo"},
		{name: "no options", options: ``, path: "/keep", want: "/keep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Middleware(&config.Middleware{Name: "rewrite", Options: []byte(tt.options)})
			require.NoError(t, err)
			chain := &captureChain{}
			_, err = f.Filter(middleware.NewExchange(httptest.NewRequest(http.MethodGet, "http://localhost"+tt.path, nil)), chain)
			require.NoError(t, err)
			assert.Equal(t, tt.want, chain.req.URL.Path)
		})
	}
}

func TestRewriteHeaders(t *testing.T) {
	f, err := Middleware(&config.Middleware{Name: "rewrite", Options: []byte(`{
		"request_headers_rewrite": {
			"set": {"X-Set": "1"},
			"add": {"X-Add": "2"},
			"remove": ["X-Remove"]
		}
	}`)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	req.Header.Set("X-Set", "0")
	req.Header.Set("X-Add", "1")
	req.Header.Set("X-Remove", "gone")
	chain := &captureChain{}
	_, err = f.Filter(middleware.NewExchange(req), chain)
	require.NoError(t, err)

	assert.Equal(t, "1", chain.req.Header.Get("X-Set"))
	assert.Equal(t, []string{"1", "2"}, chain.req.Header.Values("X-Add"))
	assert.Empty(t, chain.req.Header.Get("X-Remove"))
}
