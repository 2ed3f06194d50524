// Package selfforward 实现网关路由到自身时的短路转发。
//
// 当解析出的目标地址就是网关自己的监听地址时，不再发起网络请求，
// 而是将请求标记为已自转发并交给本地分发路由器处理。
// 指向 localhost 的路由需要同时使用 before_forward 谓词，避免在本地分发时再次匹配。
package selfforward

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/cnsync/selfgate/middleware"
	"github.com/cnsync/selfgate/router"
	"github.com/go-kratos/feature"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// PredicateName 是 IsBeforeForward 在配置中的名称
const PredicateName = "before_forward"

var (
	// selfForwardFeature 关闭时该过滤器直接放行
	selfForwardFeature = feature.MustRegister("gw:SelfForward", true)

	_metricSelfForward = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go",
		Subsystem: "gateway",
		Name:      "self_forward_total",
		Help:      "The total number of requests dispatched locally instead of forwarded to the gateway itself",
	}, []string{"route"})
)

var (
	// ErrSelfForwardLoop 表示已经自转发过的请求再次指向网关自身
	ErrSelfForwardLoop = errors.New(http.StatusLoopDetected, "SELF_FORWARD_LOOP", "request has already been forwarded to the gateway itself")
	// ErrDispatcherUnavailable 表示没有可用的本地分发器
	ErrDispatcherUnavailable = errors.ServiceUnavailable("DISPATCHER_UNAVAILABLE", "local dispatcher is not available")
)

// errOrderViolation 是目标地址尚未解析时的 panic 内容，说明全局过滤器顺序配置错误
const errOrderViolation = "selfforward: target url is not resolved, the filter must run after request url resolution"

func init() {
	prometheus.MustRegister(_metricSelfForward)
	router.RegisterPredicate(PredicateName, IsBeforeForward)
}

// Provider 延迟提供本地分发器。
type Provider func() middleware.Dispatcher

type dispatcherRef struct {
	middleware.Dispatcher
}

// Filter 是自转发检测全局过滤器。
// port 和 provider 在创建后不再修改，分发器解析成功后缓存，之后可以被并发读取。
type Filter struct {
	port     int
	provider Provider

	// mu 保证同一时刻只有一个请求调用 provider
	mu         sync.Mutex
	dispatcher atomic.Pointer[dispatcherRef]
}

var _ middleware.GlobalFilter = (*Filter)(nil)

// New 创建自转发检测过滤器，port 是网关自身的监听端口。
func New(port int, provider Provider) *Filter {
	return &Filter{port: port, provider: provider}
}

// Order 排在除终端转发过滤器之外的所有全局过滤器之后。
func (f *Filter) Order() int { return middleware.SelfForwardOrder }

// getDispatcher 只缓存非空的分发器，provider 返回 nil 时下次请求重新获取
func (f *Filter) getDispatcher() middleware.Dispatcher {
	// 快路径：已经解析过
	if ref := f.dispatcher.Load(); ref != nil {
		return ref.Dispatcher
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// 等锁期间可能已经被其他请求解析
	if ref := f.dispatcher.Load(); ref != nil {
		return ref.Dispatcher
	}
	d := f.provider()
	if d == nil {
		return nil
	}
	f.dispatcher.Store(&dispatcherRef{Dispatcher: d})
	return d
}

// Filter 目标地址指向网关自身时在本地分发，否则交给终端转发过滤器。
func (f *Filter) Filter(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
	target := ex.TargetURL()
	if target == nil {
		panic(errOrderViolation)
	}
	if !selfForwardFeature.Enabled() || !IsSelf(target, f.port) {
		return chain.Filter(ex)
	}
	if !ex.MarkSelfForwarded() {
		return nil, ErrSelfForwardLoop
	}
	d := f.getDispatcher()
	if d == nil {
		return nil, ErrDispatcherUnavailable
	}
	_metricSelfForward.WithLabelValues(ex.Route.ID).Inc()
	log.Context(ex.Context()).Debugf("self forward: route=%s target=%s", ex.Route.ID, target.Redacted())
	return d.Dispatch(ex)
}

// IsBeforeForward 在请求尚未被自转发时返回 true。
func IsBeforeForward(ex *middleware.Exchange) bool {
	return !ex.SelfForwarded()
}

// IsSelf 报告 u 是否指向本机回环地址上的 port 端口。
func IsSelf(u *url.URL, port int) bool {
	if !isLoopback(u.Hostname()) {
		return false
	}
	return effectivePort(u) == port
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func effectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return -1
		}
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return 80
	case "https":
		return 443
	}
	return -1
}
