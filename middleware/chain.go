package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
)

// ErrChainExhausted 表示过滤器链执行完毕但没有任何过滤器给出响应，
// 这说明链上缺少终端转发过滤器。
var ErrChainExhausted = errors.New("filter chain exhausted without a terminal filter")

// chain 是基于下标的过滤器链，所有过滤器保存在一个扁平的切片中。
type chain struct {
	filters []Filter
	index   int
}

// Filter 执行下一个过滤器。下标只会前进，因此每个过滤器在一次请求中至多执行一次。
func (c *chain) Filter(ex *Exchange) (*http.Response, error) {
	if c.index >= len(c.filters) {
		return nil, ErrChainExhausted
	}
	f := c.filters[c.index]
	c.index++
	return f.Filter(ex, c)
}

// Execute 按顺序执行过滤器链。
func Execute(filters []Filter, ex *Exchange) (*http.Response, error) {
	c := &chain{filters: filters}
	return c.Filter(ex)
}

type sortable struct {
	filter Filter
	order  int
}

// Sort 合并路由过滤器和全局过滤器并按优先级排序。
// 路由过滤器按声明顺序依次获得 1..n 的优先级，优先级相同时保持原有顺序。
func Sort(route []Filter, global []GlobalFilter) []Filter {
	all := make([]sortable, 0, len(route)+len(global))
	for _, g := range global {
		all = append(all, sortable{filter: g, order: g.Order()})
	}
	for i, f := range route {
		order := i + 1
		if o, ok := f.(Ordered); ok {
			order = o.Order()
		}
		all = append(all, sortable{filter: f, order: order})
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].order < all[j].order
	})
	out := make([]Filter, 0, len(all))
	for _, s := range all {
		out = append(out, s.filter)
	}
	return out
}

// ValidateGlobal 检查全局过滤器中恰好有一个终端转发过滤器。
// SelfForwardOrder 紧挨着 LowestPrecedence，因此其他过滤器不可能排在两者之间。
func ValidateGlobal(global []GlobalFilter) error {
	terminal := 0
	for _, g := range global {
		if g.Order() == LowestPrecedence {
			terminal++
		}
	}
	if terminal != 1 {
		return fmt.Errorf("expected exactly one terminal filter, got %d", terminal)
	}
	return nil
}

// NewResponse 构造一个不经过上游的响应，供短路的过滤器直接返回。
func NewResponse(ex *Exchange, code int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(code) + " " + http.StatusText(code),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewBufferString(body)),
		ContentLength: int64(len(body)),
		Request:       ex.Request,
	}
}
