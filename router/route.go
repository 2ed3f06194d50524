package router

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cnsync/selfgate/middleware"
)

// Predicate 是路由在主机模式之外的额外匹配条件。
type Predicate func(*middleware.Exchange) bool

var predicates = struct {
	sync.RWMutex
	m map[string]Predicate
}{m: map[string]Predicate{}}

// RegisterPredicate 注册具名谓词，供配置引用。
func RegisterPredicate(name string, p Predicate) {
	predicates.Lock()
	defer predicates.Unlock()
	predicates.m[strings.ToLower(name)] = p
}

// LookupPredicate 根据名称查找谓词。
func LookupPredicate(name string) (Predicate, error) {
	predicates.RLock()
	defer predicates.RUnlock()
	p, ok := predicates.m[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("predicate %q has not been registered", name)
	}
	return p, nil
}

// Route 将主机模式和谓词映射到目标地址和过滤器链。
type Route struct {
	// ID 路由标识
	ID string
	// Host 主机模式
	Host HostPattern
	// Predicates 额外谓词
	Predicates []Predicate
	// Filters 路由过滤器，按声明顺序执行
	Filters []middleware.Filter
	// URI 目标地址
	URI *url.URL
	// Timeout 转发超时时间
	Timeout time.Duration
	// Protocol 上游协议
	Protocol string
}

// Match 先匹配主机模式，再依次计算谓词，任意一项不满足即返回 false。
func (r *Route) Match(ex *middleware.Exchange) bool {
	if !r.Host.Match(ex.Request.Host) {
		return false
	}
	for _, p := range r.Predicates {
		if !p(ex) {
			return false
		}
	}
	return true
}

// Meta 返回路由在请求交换上的视图。
func (r *Route) Meta() middleware.RouteMeta {
	return middleware.RouteMeta{
		ID:       r.ID,
		URI:      r.URI,
		Timeout:  r.Timeout,
		Protocol: r.Protocol,
	}
}
