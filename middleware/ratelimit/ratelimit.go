package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/time/rate"
)

func init() {
	middleware.Register("ratelimit", Middleware)
}

// Options 限流选项
type Options struct {
	// RPS 每秒允许的请求数
	RPS float64 `json:"rps"`
	// Burst 令牌桶容量，默认等于 RPS
	Burst int `json:"burst,omitempty"`
}

// Middleware 超过速率的请求直接返回 429，不再调用后续过滤器
func Middleware(c *config.Middleware) (middleware.Filter, error) {
	options := &Options{}
	if err := middleware.DecodeOptions(c, options); err != nil {
		return nil, err
	}
	if options.RPS <= 0 {
		return nil, fmt.Errorf("ratelimit: rps must be positive, got %v", options.RPS)
	}
	if options.Burst <= 0 {
		options.Burst = int(options.RPS)
		if options.Burst < 1 {
			options.Burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(options.RPS), options.Burst)
	retryAfter := strconv.Itoa(int(1/options.RPS) + 1)
	return middleware.FilterFunc(func(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
		if !limiter.Allow() {
			log.Context(ex.Context()).Warnf("rate limit exceeded: route=%s path=%s", ex.Route.ID, ex.Request.URL.Path)
			resp := middleware.NewResponse(ex, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			resp.Header.Set("Retry-After", retryAfter)
			return resp, nil
		}
		return chain.Filter(ex)
	}), nil
}
