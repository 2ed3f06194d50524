package middleware

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type contextKey struct{}

// RouteMeta 是匹配到的路由在请求交换上的只读视图。
type RouteMeta struct {
	// ID 路由标识
	ID string
	// URI 路由的目标地址
	URI *url.URL
	// Timeout 转发到上游的超时时间
	Timeout time.Duration
	// Protocol 转发到上游使用的协议，例如 HTTP、H2C
	Protocol string
}

// Exchange 是一次请求的交换上下文，在过滤器链中显式传递。
// 它只属于一个请求，不在请求之间共享，因此不需要加锁。
type Exchange struct {
	// Request 是入站请求
	Request *http.Request
	// Route 是匹配到的路由，本地分发时为空
	Route RouteMeta
	// StartTime 是收到请求的时间
	StartTime time.Time
	// Values 用于过滤器保存私有数据
	Values RequestValues

	targetURL     *url.URL
	selfForwarded bool
}

// NewExchange 为入站请求创建一个新的交换上下文，并将其存入请求的 context 中。
func NewExchange(req *http.Request) *Exchange {
	ex := &Exchange{
		StartTime: time.Now(),
		Values:    make(requestValues, 4),
	}
	ex.Request = req.WithContext(NewContext(req.Context(), ex))
	return ex
}

// Context 返回请求的 context。
func (ex *Exchange) Context() context.Context {
	return ex.Request.Context()
}

// TargetURL 返回已经解析好的目标地址，尚未解析时返回 nil。
func (ex *Exchange) TargetURL() *url.URL {
	return ex.targetURL
}

// SetTargetURL 设置解析好的目标地址。
func (ex *Exchange) SetTargetURL(u *url.URL) {
	ex.targetURL = u
}

// SelfForwarded 报告该请求是否已经被转发回网关自身。
func (ex *Exchange) SelfForwarded() bool {
	return ex.selfForwarded
}

// MarkSelfForwarded 将请求标记为已自转发。
// 只有第一次调用返回 true，之后该标记在整个请求生命周期内保持不变。
func (ex *Exchange) MarkSelfForwarded() bool {
	if ex.selfForwarded {
		return false
	}
	ex.selfForwarded = true
	return true
}

// RequestValues 存储过滤器之间共享的请求级数据。
type RequestValues interface {
	// Get 获取指定键的值。
	Get(key any) (any, bool)
	// Set 设置指定键的值。
	Set(key, val any)
}

type requestValues map[any]any

func (v requestValues) Get(key any) (any, bool) {
	val, ok := v[key]
	return val, ok
}

func (v requestValues) Set(key, val any) {
	v[key] = val
}

// NewContext 返回一个携带交换上下文的新 Context。
func NewContext(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, contextKey{}, ex)
}

// FromContext 从 Context 中取出交换上下文。
func FromContext(ctx context.Context) (*Exchange, bool) {
	ex, ok := ctx.Value(contextKey{}).(*Exchange)
	return ex, ok
}

// RouteIDFromContext 返回当前请求匹配到的路由标识，用于指标标签。
func RouteIDFromContext(ctx context.Context) string {
	if ex, ok := FromContext(ctx); ok {
		return ex.Route.ID
	}
	return ""
}
