package client

import (
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

// LOG 客户端相关的日志记录器
var LOG = log.NewHelper(log.With(log.GetLogger(), "source", "client"))

var _metricUpstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "go",
	Subsystem: "gateway",
	Name:      "upstream_duration_seconds",
	Help:      "Upstream response time(sec).",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.250, 0.5, 1},
}, []string{"route"})

func init() {
	prometheus.MustRegister(_metricUpstreamDuration)
}

// Client 是向上游发送请求的客户端
type Client interface {
	http.RoundTripper
	io.Closer
}

// Option 客户端选项
type Option func(*options)

type options struct {
	tlsConfig *tls.Config
}

// WithTLSConfig 设置访问 HTTPS 上游时使用的 TLS 配置
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = c
	}
}

type client struct {
	http  *http.Client
	h2c   *http.Client
	https *http.Client
}

// New 创建客户端，按目标地址的 scheme 和路由协议选择底层连接。
func New(opts ...Option) Client {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return &client{
		http:  defaultClient(),
		h2c:   defaultH2CClient(),
		https: createHTTPSClient(o.tlsConfig),
	}
}

func (c *client) pick(req *http.Request) *http.Client {
	if strings.EqualFold(req.URL.Scheme, "https") {
		return c.https
	}
	if ex, ok := middleware.FromContext(req.Context()); ok && ex.Route.Protocol == config.ProtocolH2C {
		return c.h2c
	}
	return c.http
}

// RoundTrip 发送请求并记录上游响应时间
func (c *client) RoundTrip(req *http.Request) (*http.Response, error) {
	// 发送请求时不需要 RequestURI
	req.RequestURI = ""
	startAt := time.Now()
	resp, err := c.pick(req).Do(req)
	_metricUpstreamDuration.WithLabelValues(middleware.RouteIDFromContext(req.Context())).Observe(time.Since(startAt).Seconds())
	if err != nil {
		LOG.Warnf("upstream request failed: %s: %v", req.URL.Redacted(), err)
		return nil, err
	}
	return resp, nil
}

// Close 关闭空闲连接
func (c *client) Close() error {
	c.http.CloseIdleConnections()
	c.h2c.CloseIdleConnections()
	c.https.CloseIdleConnections()
	return nil
}
