package circuitbreaker

import (
	"net/http"
	"time"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/go-kratos/aegis/circuitbreaker/sre"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

var _metricDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "go",
	Subsystem: "gateway",
	Name:      "requests_circuit_breaker_denied_total",
	Help:      "The total number of denied requests",
}, []string{"route"})

func init() {
	prometheus.MustRegister(_metricDeniedTotal)
	middleware.Register("circuitbreaker", Middleware)
}

// Options 熔断器选项
type Options struct {
	// SuccessRatio 成功率阈值
	SuccessRatio float64 `json:"success_ratio,omitempty"`
	// Request 窗口内触发熔断的最小请求数
	Request int64 `json:"request,omitempty"`
	// Window 统计窗口
	Window config.Duration `json:"window,omitempty"`
	// Bucket 统计窗口的桶数
	Bucket int `json:"bucket,omitempty"`
}

func (o *Options) breakerOptions() []sre.Option {
	var opts []sre.Option
	if o.SuccessRatio > 0 {
		opts = append(opts, sre.WithSuccess(o.SuccessRatio))
	}
	if o.Request > 0 {
		opts = append(opts, sre.WithRequest(o.Request))
	}
	if o.Window > 0 {
		opts = append(opts, sre.WithWindow(time.Duration(o.Window)))
	}
	if o.Bucket > 0 {
		opts = append(opts, sre.WithBucket(o.Bucket))
	}
	return opts
}

// isSuccess 上游错误和 5xx 响应都视为失败
func isSuccess(resp *http.Response, err error) bool {
	return err == nil && resp.StatusCode < http.StatusInternalServerError
}

// Middleware 熔断打开时直接返回 503，不再调用后续过滤器
func Middleware(c *config.Middleware) (middleware.Filter, error) {
	options := &Options{}
	if err := middleware.DecodeOptions(c, options); err != nil {
		return nil, err
	}
	breaker := sre.NewBreaker(options.breakerOptions()...)
	return middleware.FilterFunc(func(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
		if err := breaker.Allow(); err != nil {
			breaker.MarkFailed()
			_metricDeniedTotal.WithLabelValues(ex.Route.ID).Inc()
			log.Context(ex.Context()).Warnf("circuit breaker open: route=%s", ex.Route.ID)
			return middleware.NewResponse(ex, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)), nil
		}
		resp, err := chain.Filter(ex)
		if isSuccess(resp, err) {
			breaker.MarkSuccess()
		} else {
			breaker.MarkFailed()
		}
		return resp, err
	}), nil
}
