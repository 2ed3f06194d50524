package rewrite

import (
	"net/http"
	"path"
	"strings"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
)

func init() {
	middleware.Register("rewrite", Middleware)
}

// HeadersRewrite 请求头改写规则
type HeadersRewrite struct {
	Set    map[string]string `json:"set,omitempty"`
	Add    map[string]string `json:"add,omitempty"`
	Remove []string          `json:"remove,omitempty"`
}

// Options 改写过滤器选项
type Options struct {
	// PathRewrite 替换整个请求路径
	PathRewrite *string `json:"path_rewrite,omitempty"`
	// StripPrefix 去除请求路径的前缀
	StripPrefix *string `json:"strip_prefix,omitempty"`
	// RequestHeadersRewrite 请求头改写
	RequestHeadersRewrite *HeadersRewrite `json:"request_headers_rewrite,omitempty"`
}

// stripPrefix 去除前缀，并确保结果以 / 开头
func stripPrefix(origin string, prefix string) string {
	out := strings.TrimPrefix(origin, prefix)
	if out == "" {
		return "/"
	}
	if out[0] != '/' {
		return path.Join("/", out)
	}
	return out
}

// Middleware 在解析目标地址之前改写请求路径和请求头
func Middleware(c *config.Middleware) (middleware.Filter, error) {
	options := &Options{}
	if err := middleware.DecodeOptions(c, options); err != nil {
		return nil, err
	}
	headers := options.RequestHeadersRewrite
	return middleware.FilterFunc(func(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
		req := ex.Request
		if options.PathRewrite != nil {
			req.URL.Path = *options.PathRewrite
			req.URL.RawPath = ""
		}
		if options.StripPrefix != nil {
			req.URL.Path = stripPrefix(req.URL.Path, *options.StripPrefix)
			req.URL.RawPath = ""
		}
		if headers != nil {
			for key, value := range headers.Set {
				req.Header.Set(key, value)
			}
			for key, value := range headers.Add {
				req.Header.Add(key, value)
			}
			for _, value := range headers.Remove {
				req.Header.Del(value)
			}
		}
		return chain.Filter(ex)
	}), nil
}
