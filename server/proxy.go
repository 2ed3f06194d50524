package server

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/cnsync/selfgate/config"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var _ transport.Server = (*ProxyServer)(nil)

// 默认超时时间，可以被环境变量和配置覆盖
var (
	readHeaderTimeout = time.Second * 10
	readTimeout       = time.Second * 15
	writeTimeout      = time.Second * 15
	idleTimeout       = time.Second * 120
)

func init() {
	for env, target := range map[string]*time.Duration{
		"PROXY_READ_HEADER_TIMEOUT": &readHeaderTimeout,
		"PROXY_READ_TIMEOUT":        &readTimeout,
		"PROXY_WRITE_TIMEOUT":       &writeTimeout,
		"PROXY_IDLE_TIMEOUT":        &idleTimeout,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			panic(err)
		}
		*target = d
	}
}

func pick(configured config.Duration, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured.AsDuration()
	}
	return fallback
}

// ProxyServer 代理服务器
type ProxyServer struct {
	*http.Server
}

// NewProxy 创建代理服务器，同时支持 HTTP/1.1 和明文 HTTP/2
func NewProxy(handler http.Handler, c config.Server) *ProxyServer {
	idle := pick(c.IdleTimeout, idleTimeout)
	return &ProxyServer{
		Server: &http.Server{
			Addr: c.Addr,
			Handler: h2c.NewHandler(handler, &http2.Server{
				IdleTimeout:          idle,
				MaxConcurrentStreams: math.MaxUint32,
			}),
			ReadTimeout:       pick(c.ReadTimeout, readTimeout),
			ReadHeaderTimeout: pick(c.ReadHeaderTimeout, readHeaderTimeout),
			WriteTimeout:      pick(c.WriteTimeout, writeTimeout),
			IdleTimeout:       idle,
		},
	}
}

// Start 启动代理服务
func (s *ProxyServer) Start(ctx context.Context) error {
	log.Infof("proxy listening on %s", s.Addr)
	err := s.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop 停止代理服务
func (s *ProxyServer) Stop(ctx context.Context) error {
	log.Info("proxy stopping")
	return s.Shutdown(ctx)
}
