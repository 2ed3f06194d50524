package router

import (
	"fmt"

	"github.com/cnsync/selfgate/middleware"
	"github.com/go-kratos/kratos/v2/errors"
)

// ErrNoMatch 表示没有任何路由匹配请求。
var ErrNoMatch = errors.NotFound("ROUTE_NOT_FOUND", "no route matches the request")

// Table 是有序的路由表，构建之后只读，可以被并发读取。
type Table struct {
	routes []*Route
}

// NewTable 创建路由表，拒绝重复或空的路由标识以及空的目标地址。
func NewTable(routes ...*Route) (*Table, error) {
	seen := make(map[string]struct{}, len(routes))
	for i, r := range routes {
		if r == nil || r.ID == "" {
			return nil, fmt.Errorf("route #%d has no id", i)
		}
		if _, ok := seen[r.ID]; ok {
			return nil, fmt.Errorf("duplicate route id %q", r.ID)
		}
		if r.URI == nil {
			return nil, fmt.Errorf("route %q has no uri", r.ID)
		}
		if r.Host.String() == "" {
			return nil, fmt.Errorf("route %q has no host pattern", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return &Table{routes: append([]*Route(nil), routes...)}, nil
}

// Resolve 按声明顺序查找第一个匹配的路由。
func (t *Table) Resolve(ex *middleware.Exchange) (*Route, error) {
	for _, r := range t.routes {
		if r.Match(ex) {
			return r, nil
		}
	}
	return nil, ErrNoMatch
}

// Routes 返回路由表的副本。
func (t *Table) Routes() []*Route {
	return append([]*Route(nil), t.routes...)
}

// Len 返回路由数量。
func (t *Table) Len() int { return len(t.routes) }
