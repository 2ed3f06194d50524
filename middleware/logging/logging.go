package logging

import (
	"net/http"
	"time"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/go-kratos/kratos/v2/log"
)

// LOG 访问日志记录器
var LOG = log.NewHelper(log.With(log.GetLogger(), "source", "accesslog"))

func init() {
	middleware.Register("logging", Middleware)
}

// Options 日志过滤器选项
type Options struct {
	// Message 在请求进入该过滤器时输出的日志内容
	Message string `json:"message"`
}

// Middleware 在调用链前输出 Message，在调用链返回后输出一条访问日志
func Middleware(c *config.Middleware) (middleware.Filter, error) {
	options := &Options{}
	if err := middleware.DecodeOptions(c, options); err != nil {
		return nil, err
	}
	return middleware.FilterFunc(func(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
		if options.Message != "" {
			log.Context(ex.Context()).Info(options.Message)
		}
		startTime := time.Now()
		resp, err := chain.Filter(ex)
		req := ex.Request
		keyvals := []interface{}{
			"host", req.Host,
			"method", req.Method,
			"path", req.URL.Path,
			"query", req.URL.RawQuery,
			"route", ex.Route.ID,
			"self_forwarded", ex.SelfForwarded(),
			"latency", time.Since(startTime).Seconds(),
		}
		if target := ex.TargetURL(); target != nil {
			keyvals = append(keyvals, "target", target.Redacted())
		}
		if err != nil {
			LOG.WithContext(ex.Context()).Errorw(append(keyvals, "error", err.Error())...)
			return nil, err
		}
		LOG.WithContext(ex.Context()).Infow(append(keyvals, "code", resp.StatusCode)...)
		return resp, nil
	}), nil
}
