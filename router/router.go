package router

import (
	"context"
	"net/http"

	"github.com/cnsync/selfgate/middleware"
)

// 处理器映射的优先级，数值越小越先被尝试。
// 路由表必须先于本地分发路由器，保证网关路由总是优先。
const (
	RouteMappingOrder = 1
	LocalMappingOrder = 2
)

// Mapping 根据请求交换查找处理器。
type Mapping interface {
	middleware.Ordered
	// Lookup 返回能够处理该请求的处理器，不能处理时返回 false。
	Lookup(*middleware.Exchange) (middleware.Handler, bool)
}

// Router 本地分发路由器接口
type Router interface {
	http.Handler
	Mapping
	middleware.Dispatcher
	// Handle 注册一个处理指定路径和方法的本地处理器。
	Handle(pattern, method string, handler http.Handler) error
	// SyncClose 等待进行中的请求处理完毕。
	SyncClose(ctx context.Context) error
}
