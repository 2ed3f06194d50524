package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cnsync/selfgate/client"
	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/cnsync/selfgate/router"
	"github.com/cnsync/selfgate/router/mux"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	_metricRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go",
		Subsystem: "gateway",
		Name:      "requests_code_total",
		Help:      "The total number of processed requests",
	}, []string{"method", "route", "code"})
	_metricRequestsDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "go",
		Subsystem: "gateway",
		Name:      "requests_duration_seconds",
		Help:      "Requests duration(sec).",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.250, 0.5, 1},
	}, []string{"method", "route"})
	_metricSentBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go",
		Subsystem: "gateway",
		Name:      "requests_tx_bytes",
		Help:      "Total sent connection bytes",
	}, []string{"method", "route"})
	_metricReceivedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "go",
		Subsystem: "gateway",
		Name:      "requests_rx_bytes",
		Help:      "Total received connection bytes",
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(_metricRequestsTotal)
	prometheus.MustRegister(_metricRequestsDuration)
	prometheus.MustRegister(_metricSentBytes)
	prometheus.MustRegister(_metricReceivedBytes)
}

// statusClientClosedRequest 客户端在响应之前断开连接
const statusClientClosedRequest = 499

// statusCode 将错误转换为 HTTP 状态码
func statusCode(err error) int {
	se := new(errors.Error)
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		return int(se.Code)
	}
	return http.StatusBadGateway
}

// writeError 将错误写入响应
func writeError(w http.ResponseWriter, ex *middleware.Exchange, err error) {
	code := statusCode(err)
	r := ex.Request
	message := err.Error()
	if se := new(errors.Error); errors.As(err, &se) {
		message = se.Message
	}
	if code == http.StatusBadGateway {
		log.Errorf("Failed to handle request: %s: %+v", r.URL.String(), err)
	}
	log.Context(r.Context()).Errorw(
		"source", "accesslog",
		"host", r.Host,
		"method", r.Method,
		"path", r.URL.Path,
		"query", r.URL.RawQuery,
		"route", ex.Route.ID,
		"user_agent", r.Header.Get("User-Agent"),
		"code", code,
		"error", message,
	)
	requestsTotalIncr(ex, code)
	// 客户端已经断开，不再写入响应体
	if code == statusClientClosedRequest {
		w.WriteHeader(code)
		return
	}
	http.Error(w, message, code)
}

// writeResponse 将响应头、状态码、响应体和 Trailer 写回客户端
func writeResponse(w http.ResponseWriter, ex *middleware.Exchange, resp *http.Response) {
	headers := w.Header()
	// 复制响应头
	for k, v := range resp.Header {
		headers[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	// 本地分发的响应和上游响应都需要关闭响应体
	if resp.Body != nil {
		defer resp.Body.Close()
		sent, err := io.Copy(w, resp.Body)
		sentBytesAdd(ex, sent)
		if err != nil {
			log.Errorf("Failed to copy backend response body to client: [%s] %s %s %d %+v", ex.Route.ID, ex.Request.Method, ex.Request.URL.Path, sent, err)
		}
		// Trailer 在响应体读取完毕之后才可用
		for k, v := range resp.Trailer {
			headers[http.TrailerPrefix+k] = v
		}
	}
	requestsTotalIncr(ex, resp.StatusCode)
}

func routeLabel(ex *middleware.Exchange) string {
	if ex.Route.ID == "" {
		return "local"
	}
	return ex.Route.ID
}

func receivedBytesAdd(ex *middleware.Exchange, received int64) {
	if received <= 0 {
		return
	}
	_metricReceivedBytes.WithLabelValues(ex.Request.Method, routeLabel(ex)).Add(float64(received))
}

func sentBytesAdd(ex *middleware.Exchange, sent int64) {
	_metricSentBytes.WithLabelValues(ex.Request.Method, routeLabel(ex)).Add(float64(sent))
}

func requestsTotalIncr(ex *middleware.Exchange, statusCode int) {
	_metricRequestsTotal.WithLabelValues(ex.Request.Method, routeLabel(ex), strconv.Itoa(statusCode)).Inc()
}

func requestsDurationObserve(ex *middleware.Exchange) {
	_metricRequestsDuration.WithLabelValues(ex.Request.Method, routeLabel(ex)).Observe(time.Since(ex.StartTime).Seconds())
}

// routeMapping 通过路由表解析请求，并执行该路由预先排好序的过滤器链
type routeMapping struct {
	table  *router.Table
	chains map[string][]middleware.Filter
}

func (m *routeMapping) Order() int { return router.RouteMappingOrder }

func (m *routeMapping) Lookup(ex *middleware.Exchange) (middleware.Handler, bool) {
	route, err := m.table.Resolve(ex)
	if err != nil {
		return nil, false
	}
	// 过滤器链在构建路由表时已经排好序
	filters := m.chains[route.ID]
	return func(ex *middleware.Exchange) (*http.Response, error) {
		ex.Route = route.Meta()
		return middleware.Execute(filters, ex)
	}, true
}

// state 是一次配置构建的结果，构建完成后只读
type state struct {
	table    *router.Table
	mappings []router.Mapping
	closers  []io.Closer
}

// Proxy 是一个网关代理。
type Proxy struct {
	// state 原子地保存当前生效的路由表和处理器映射
	state atomic.Value
	// local 是本地分发路由器
	local router.Router
	// globals 是内置的全局过滤器，包括终端转发过滤器
	globals []middleware.GlobalFilter
	// middlewareFactory 根据配置创建过滤器
	middlewareFactory middleware.Factory
}

// New 创建网关代理。globals 中的全局过滤器会与内置的目标地址解析、终端转发过滤器一起排序。
func New(c client.Client, middlewareFactory middleware.Factory, local router.Router, globals ...middleware.GlobalFilter) (*Proxy, error) {
	all := make([]middleware.GlobalFilter, 0, len(globals)+2)
	all = append(all, globals...)
	// 目标地址解析和终端转发是内置的全局过滤器
	all = append(all, requestURLFilter{}, &forwardFilter{client: c})
	if err := middleware.ValidateGlobal(all); err != nil {
		return nil, err
	}
	p := &Proxy{
		local:             local,
		globals:           all,
		middlewareFactory: middlewareFactory,
	}
	// 在加载配置之前只有本地分发生效
	table, _ := router.NewTable()
	p.state.Store(p.newState(table, nil, nil))
	return p, nil
}

// Local 返回本地分发路由器。
func (p *Proxy) Local() router.Router {
	return p.local
}

func (p *Proxy) newState(table *router.Table, chains map[string][]middleware.Filter, closers []io.Closer) *state {
	mappings := []router.Mapping{&routeMapping{table: table, chains: chains}, p.local}
	// 路由表先于本地分发路由器
	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Order() < mappings[j].Order()
	})
	return &state{table: table, mappings: mappings, closers: closers}
}

func (p *Proxy) buildFilters(ms []*config.Middleware) ([]middleware.Filter, error) {
	out := make([]middleware.Filter, 0, len(ms))
	for _, m := range ms {
		f, err := p.middlewareFactory(m)
		if err != nil {
			// 未注册的过滤器只记录日志并跳过
			if errors.Is(err, middleware.ErrNotFound) {
				log.Errorf("Skip does not exist middleware: %s", m.Name)
				continue
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (p *Proxy) buildGlobals(ms []*config.Middleware) ([]middleware.GlobalFilter, error) {
	filters, err := p.buildFilters(ms)
	if err != nil {
		return nil, err
	}
	out := append([]middleware.GlobalFilter(nil), p.globals...)
	for _, f := range filters {
		g, ok := f.(middleware.GlobalFilter)
		// 没有声明优先级的全局过滤器排在路由过滤器之前
		if !ok {
			g = middleware.WithOrder(f, 0)
		}
		out = append(out, g)
	}
	return out, middleware.ValidateGlobal(out)
}

func (p *Proxy) buildRoute(rc *config.Route) (*router.Route, error) {
	host, err := router.CompileHostPattern(rc.Host)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", rc.ID, err)
	}
	preds := make([]router.Predicate, 0, len(rc.Predicates))
	for _, name := range rc.Predicates {
		pred, err := router.LookupPredicate(name)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.ID, err)
		}
		preds = append(preds, pred)
	}
	uri, err := config.ParseURI(rc.URI)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", rc.ID, err)
	}
	filters, err := p.buildFilters(rc.Filters)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", rc.ID, err)
	}
	return &router.Route{
		ID:         rc.ID,
		Host:       host,
		Predicates: preds,
		Filters:    filters,
		URI:        uri,
		Timeout:    rc.Timeout.AsDuration(),
		Protocol:   rc.Protocol,
	}, nil
}

// Update 根据配置构建新的路由表并原子地替换当前路由表。
func (p *Proxy) Update(c *config.Gateway) (retError error) {
	var closers []io.Closer
	// 构建失败时释放已经创建的过滤器资源
	defer func() {
		if retError != nil {
			closeAll(closers)
		}
	}()
	globals, err := p.buildGlobals(c.Middlewares)
	if err != nil {
		return err
	}
	closers = collectClosers(closers, globals...)
	routes := make([]*router.Route, 0, len(c.Routes))
	chains := make(map[string][]middleware.Filter, len(c.Routes))
	for _, rc := range c.Routes {
		route, err := p.buildRoute(rc)
		if err != nil {
			return err
		}
		for _, f := range route.Filters {
			closers = collectClosers(closers, f)
		}
		routes = append(routes, route)
		// 每条路由的过滤器链预先与全局过滤器合并排序
		chains[route.ID] = middleware.Sort(route.Filters, globals)
		log.Infof("build route: %s host=%s uri=%s", route.ID, route.Host, route.URI.Redacted())
	}
	table, err := router.NewTable(routes...)
	if err != nil {
		return err
	}
	// 原子替换，正在处理的请求继续使用旧的路由表
	old := p.state.Swap(p.newState(table, chains, closers))
	tryCloseState(old)
	return nil
}

func collectClosers[T any](closers []io.Closer, filters ...T) []io.Closer {
	for _, f := range filters {
		if c, ok := any(f).(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	return closers
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Errorf("Failed to execute close function: %+v", err)
		}
	}
}

// tryCloseState 在后台关闭旧配置持有的资源
func tryCloseState(in interface{}) {
	s, ok := in.(*state)
	if !ok || len(s.closers) == 0 {
		return
	}
	go closeAll(s.closers)
}

// Close 关闭当前配置持有的资源，并等待本地请求处理完毕。
func (p *Proxy) Close(ctx context.Context) error {
	if s, ok := p.state.Load().(*state); ok {
		closeAll(s.closers)
	}
	return p.local.SyncClose(ctx)
}

// Handle 按处理器映射的优先级处理一次请求交换。
func (p *Proxy) Handle(ex *middleware.Exchange) (*http.Response, error) {
	s := p.state.Load().(*state)
	// 第一个认领请求的处理器映射负责处理
	for _, m := range s.mappings {
		if handler, ok := m.Lookup(ex); ok {
			return handler(ex)
		}
	}
	return nil, router.ErrNoMatch
}

// ServeHTTP 实现了 http.Handler 接口
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ex := middleware.NewExchange(req)
	// 过滤器中的 panic 不会导致进程退出
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusBadGateway)
			buf := make([]byte, 64<<10) //nolint:gomnd
			n := runtime.Stack(buf, false)
			log.Errorf("panic recovered: %+v\n%s", err, buf[:n])
			fmt.Fprintf(os.Stderr, "panic recovered: %+v\n%s\n", err, buf[:n])
		}
	}()
	defer requestsDurationObserve(ex)
	receivedBytesAdd(ex, req.ContentLength)

	resp, err := p.Handle(ex)
	if err != nil {
		writeError(w, ex, err)
		return
	}
	writeResponse(w, ex, resp)
}

// RouteInspect 描述路由表中的一条路由
type RouteInspect struct {
	ID         string `json:"id"`
	Host       string `json:"host"`
	URI        string `json:"uri"`
	Predicates int    `json:"predicates"`
	Filters    int    `json:"filters"`
	Timeout    string `json:"timeout"`
	Protocol   string `json:"protocol"`
}

// DebugHandler 输出路由表和本地处理器
func (p *Proxy) DebugHandler() http.Handler {
	debugMux := http.NewServeMux()
	debugMux.HandleFunc("/debug/proxy/router/inspect", func(rw http.ResponseWriter, r *http.Request) {
		s := p.state.Load().(*state)
		out := make([]*RouteInspect, 0, s.table.Len())
		for _, route := range s.table.Routes() {
			out = append(out, &RouteInspect{
				ID:         route.ID,
				Host:       route.Host.String(),
				URI:        route.URI.Redacted(),
				Predicates: len(route.Predicates),
				Filters:    len(route.Filters),
				Timeout:    route.Timeout.String(),
				Protocol:   route.Protocol,
			})
		}
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(out)
	})
	debugMux.HandleFunc("/debug/proxy/local/inspect", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(mux.InspectMuxRouter(p.local))
	})
	return debugMux
}
