package middleware

import (
	"math"
	"net/http"
)

// 过滤器的执行优先级，数值越小越先执行。
const (
	// HighestPrecedence 最先执行的优先级
	HighestPrecedence = math.MinInt32
	// LowestPrecedence 最后执行的优先级，只允许终端转发过滤器占用
	LowestPrecedence = math.MaxInt32
	// RequestURLOrder 计算目标地址的全局过滤器的优先级，位于所有路由过滤器之后
	RequestURLOrder = 10000
	// SelfForwardOrder 自转发检测过滤器的优先级，紧挨在终端转发过滤器之前
	SelfForwardOrder = LowestPrecedence - 1
	// ForwardOrder 终端转发过滤器的优先级
	ForwardOrder = LowestPrecedence
)

// Chain 是过滤器链中剩余部分的续体。
type Chain interface {
	// Filter 调用链上的下一个过滤器。
	Filter(*Exchange) (*http.Response, error)
}

// Filter 是作用在一次请求交换上的过滤器。
// 过滤器可以在调用 chain 之前或之后做处理，也可以不调用 chain 直接返回响应。
type Filter interface {
	Filter(ex *Exchange, chain Chain) (*http.Response, error)
}

// Ordered 由带有执行优先级的全局过滤器实现。
type Ordered interface {
	Order() int
}

// GlobalFilter 是作用在所有路由上的过滤器。
type GlobalFilter interface {
	Filter
	Ordered
}

// FilterFunc 是一个适配器，允许将普通函数用作过滤器。
type FilterFunc func(*Exchange, Chain) (*http.Response, error)

// Filter 调用 f(ex, chain)。
func (f FilterFunc) Filter(ex *Exchange, chain Chain) (*http.Response, error) {
	return f(ex, chain)
}

// Handler 处理一次请求交换并给出响应。
type Handler func(*Exchange) (*http.Response, error)

// Dispatch 调用 h(ex)，使 Handler 可以作为 Dispatcher 使用。
func (h Handler) Dispatch(ex *Exchange) (*http.Response, error) {
	return h(ex)
}

// Dispatcher 在进程内分发请求交换，不经过网络。
type Dispatcher interface {
	Dispatch(*Exchange) (*http.Response, error)
}

// orderedFilter 为过滤器附加执行优先级。
type orderedFilter struct {
	inner Filter
	order int
}

// Filter 调用被包装的过滤器
func (o *orderedFilter) Filter(ex *Exchange, chain Chain) (*http.Response, error) {
	return o.inner.Filter(ex, chain)
}

func (o *orderedFilter) Order() int { return o.order }

// WithOrder 为普通过滤器附加执行优先级，使其可以作为全局过滤器使用。
func WithOrder(f Filter, order int) GlobalFilter {
	return &orderedFilter{inner: f, order: order}
}

// EmptyFilter 是一个不做任何处理的过滤器。
var EmptyFilter Filter = FilterFunc(func(ex *Exchange, chain Chain) (*http.Response, error) {
	return chain.Filter(ex)
})
