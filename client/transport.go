package client

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cnsync/selfgate/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"
)

// 拨号超时时间，默认 200 毫秒
var _dialTimeout = 200 * time.Millisecond

// 是否跟随重定向，默认不跟随，直接把 3xx 返回给客户端
var followRedirect = false

var _metricClientRedirect = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "go",
	Subsystem: "gateway",
	Name:      "client_redirect_total",
	Help:      "The total number of client redirect",
}, []string{"route"})

func init() {
	var err error
	if v := os.Getenv("PROXY_DIAL_TIMEOUT"); v != "" {
		if _dialTimeout, err = time.ParseDuration(v); err != nil {
			panic(err)
		}
	}
	if val := os.Getenv("PROXY_FOLLOW_REDIRECT"); val != "" {
		followRedirect = true
	}
	prometheus.MustRegister(_metricClientRedirect)
}

func defaultCheckRedirect(req *http.Request, via []*http.Request) error {
	_metricClientRedirect.WithLabelValues(middleware.RouteIDFromContext(req.Context())).Inc()
	if followRedirect {
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	return http.ErrUseLastResponse
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   _dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10000,
		MaxIdleConnsPerHost:   1000,
		MaxConnsPerHost:       1000,
		DisableCompression:    true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// defaultClient 创建明文 HTTP/1.1 客户端
func defaultClient() *http.Client {
	return &http.Client{
		CheckRedirect: defaultCheckRedirect,
		Transport:     defaultTransport(),
	}
}

// defaultH2CClient 创建不经过 TLS 的 HTTP/2 客户端
func defaultH2CClient() *http.Client {
	return &http.Client{
		CheckRedirect: defaultCheckRedirect,
		Transport: &http2.Transport{
			AllowHTTP:          true,
			DisableCompression: true,
			// 忽略 TLS 配置，直接建立明文连接
			DialTLS: func(network, addr string, cfg *tls.Config) (net.Conn, error) {
				return net.DialTimeout(network, addr, _dialTimeout)
			},
		},
	}
}

// createHTTPSClient 根据 TLS 配置创建 HTTPS 客户端，同时支持 HTTP/2
func createHTTPSClient(tlsConfig *tls.Config) *http.Client {
	tr := defaultTransport()
	tr.TLSClientConfig = tlsConfig
	_ = http2.ConfigureTransport(tr)
	return &http.Client{
		CheckRedirect: defaultCheckRedirect,
		Transport:     tr,
	}
}
