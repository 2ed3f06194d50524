package mux

import (
	"context"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/cnsync/selfgate/middleware"
	"github.com/cnsync/selfgate/router"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EnableStrictSlash 控制是否启用严格的斜杠匹配模式
var EnableStrictSlash = parseBool(os.Getenv("ENABLE_STRICT_SLASH"), false)

var (
	// ErrNotFound 没有本地处理器能够处理该路径
	ErrNotFound = errors.NotFound("LOCAL_NOT_FOUND", "no local handler for the request path")
	// ErrMethodNotAllowed 路径存在但方法不匹配
	ErrMethodNotAllowed = errors.New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", http.StatusText(http.StatusMethodNotAllowed))
)

func parseBool(in string, defV bool) bool {
	if in == "" {
		return defV
	}
	v, err := strconv.ParseBool(in)
	if err != nil {
		return defV
	}
	return v
}

var _ router.Router = (*muxRouter)(nil)

// muxRouter 是基于 gorilla/mux 的本地分发路由器
type muxRouter struct {
	*mux.Router
	// wg 用于等待所有处理中的请求完成
	wg *sync.WaitGroup
}

// ProtectedHandler 拒绝经过其他代理转发的请求
func ProtectedHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// NewRouter 创建本地分发路由器，默认注册 /metrics。
func NewRouter() router.Router {
	r := &muxRouter{
		// 是否严格匹配末尾斜杠由环境变量控制
		Router: mux.NewRouter().StrictSlash(EnableStrictSlash),
		// 用于关闭时等待处理中的本地请求
		wg: &sync.WaitGroup{},
	}
	// /metrics 只允许直接访问，不允许经过转发的请求访问
	r.Router.Handle("/metrics", ProtectedHandler(promhttp.Handler()))
	return r
}

func cleanPath(p string) string {
	// 空路径视为根路径
	if p == "" {
		return "/"
	}
	// 补全开头的斜杠
	if p[0] != '/' {
		p = "/" + p
	}
	// 去除多余的斜杠以及 . 和 ..
	np := path.Clean(p)
	// path.Clean 会移除末尾的斜杠，原路径以斜杠结尾时补回
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}

// Order 本地分发的优先级低于路由表。
func (r *muxRouter) Order() int { return router.LocalMappingOrder }

// ServeHTTP 直接以 HTTP 方式处理本地请求。
func (r *muxRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.wg.Add(1)
	defer r.wg.Done()
	// 匹配前先规范化路径
	req.URL.Path = cleanPath(req.URL.Path)
	r.Router.ServeHTTP(w, req)
}

// Lookup 只有当路径能够被本地处理器处理时才认领该请求。
func (r *muxRouter) Lookup(ex *middleware.Exchange) (middleware.Handler, bool) {
	var match mux.RouteMatch
	matched := r.Router.Match(dispatchRequest(ex), &match)
	// 方法不匹配也认领，由 Dispatch 返回 405
	if match.MatchErr == mux.ErrMethodMismatch || (matched && match.MatchErr == nil) {
		return r.Dispatch, true
	}
	return nil, false
}

// Dispatch 在进程内执行本地处理器并返回其响应。
// 自转发时按解析出的目标地址的路径查找处理器。
func (r *muxRouter) Dispatch(ex *middleware.Exchange) (*http.Response, error) {
	r.wg.Add(1)
	defer r.wg.Done()
	req := dispatchRequest(ex)
	var match mux.RouteMatch
	matched := r.Router.Match(req, &match)
	// 没有设置 MethodNotAllowedHandler 时，方法不匹配会返回 false，因此先检查 MatchErr
	switch {
	case match.MatchErr == mux.ErrMethodMismatch:
		return nil, ErrMethodNotAllowed
	case !matched || match.MatchErr != nil:
		return nil, ErrNotFound
	}
	// 路径参数可以通过 mux.Vars 取到
	req = mux.SetURLVars(req, match.Vars)
	// 处理器的输出写入内存，再转换成响应
	rb := newResponseBuffer()
	match.Handler.ServeHTTP(rb, req)
	return rb.Response(req), nil
}

// dispatchRequest 返回用于本地匹配的请求，不修改原始请求
func dispatchRequest(ex *middleware.Exchange) *http.Request {
	req := ex.Request
	// 自转发时使用目标地址的路径和查询参数
	if target := ex.TargetURL(); target != nil {
		req = req.Clone(req.Context())
		req.URL.Path = target.Path
		req.URL.RawPath = target.RawPath
		req.URL.RawQuery = target.RawQuery
	}
	if cleaned := cleanPath(req.URL.Path); cleaned != req.URL.Path {
		if req == ex.Request {
			req = req.Clone(req.Context())
		}
		req.URL.Path = cleaned
	}
	return req
}

// Handle 注册本地处理器，pattern 以 * 结尾时按前缀匹配。
func (r *muxRouter) Handle(pattern, method string, handler http.Handler) error {
	next := r.Router.NewRoute().Handler(handler)
	// /static/* 按前缀匹配，其余按完整路径或模板匹配
	if strings.HasSuffix(pattern, "*") {
		next = next.PathPrefix(strings.TrimRight(pattern, "*"))
	} else {
		next = next.Path(pattern)
	}
	// 空或 * 表示不限制方法
	if method != "" && method != "*" {
		next = next.Methods(method)
	}
	if err := next.GetError(); err != nil {
		return err
	}
	log.Infof("register local handler: %s %s", method, pattern)
	return nil
}

// SyncClose 等待所有请求处理完毕
func (r *muxRouter) SyncClose(ctx context.Context) error {
	if timeout := waitTimeout(ctx, r.wg); timeout {
		log.Warnf("Time out to wait all local requests complete, processing force close")
	}
	return nil
}

func waitTimeout(ctx context.Context, wg *sync.WaitGroup) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-ctx.Done():
		return true
	}
}

// RouterInspect 描述一个本地处理器
type RouterInspect struct {
	PathTemplate string   `json:"path_template"`
	PathRegexp   string   `json:"path_regexp"`
	Methods      []string `json:"methods"`
}

// InspectMuxRouter 收集本地路由器中注册的处理器
func InspectMuxRouter(in interface{}) []*RouterInspect {
	r, ok := in.(*muxRouter)
	if !ok {
		return nil
	}
	var out []*RouterInspect
	_ = r.Walk(func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		pathTemplate, _ := route.GetPathTemplate()
		pathRegexp, _ := route.GetPathRegexp()
		methods, _ := route.GetMethods()
		out = append(out, &RouterInspect{
			PathTemplate: pathTemplate,
			PathRegexp:   pathRegexp,
			Methods:      methods,
		})
		return nil
	})
	return out
}
