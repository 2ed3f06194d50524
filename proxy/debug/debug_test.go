package debug

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDebuggable struct{}

func (fakeDebuggable) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "inspect:"+r.URL.Path)
	})
}

func TestMashup(t *testing.T) {
	s := NewService()
	s.Register("proxy", fakeDebuggable{})
	h := s.Mashup(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "origin")
	}))

	tests := []struct {
		name string
		path string
		xff  string
		code int
		body string
	}{
		{name: "origin", path: "/echo", code: http.StatusOK, body: "origin"},
		{name: "registered", path: "/debug/proxy/router/inspect", code: http.StatusOK, body: "inspect:/debug/proxy/router/inspect"},
		{name: "ping", path: "/debug/ping", code: http.StatusOK},
		{name: "forwarded", path: "/debug/ping", xff: "10.0.0.1", code: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}
