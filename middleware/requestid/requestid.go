package requestid

import (
	"net/http"

	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
	"github.com/google/uuid"
)

// HeaderName 请求标识所在的请求头
const HeaderName = "X-Request-Id"

// Order 请求标识过滤器排在其他全局过滤器之前
const Order = -100

type valueKey struct{}

func init() {
	middleware.Register("requestid", Middleware)
}

type filter struct{}

func (filter) Order() int { return Order }

// Filter 为缺少请求标识的请求生成一个，并回写到响应头
func (filter) Filter(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
	id := ex.Request.Header.Get(HeaderName)
	if id == "" {
		id = uuid.NewString()
		ex.Request.Header.Set(HeaderName, id)
	}
	ex.Values.Set(valueKey{}, id)
	resp, err := chain.Filter(ex)
	if err != nil {
		return nil, err
	}
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Set(HeaderName, id)
	return resp, nil
}

// FromExchange 返回请求标识
func FromExchange(ex *middleware.Exchange) (string, bool) {
	v, ok := ex.Values.Get(valueKey{})
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware 创建请求标识过滤器
func Middleware(*config.Middleware) (middleware.Filter, error) {
	return filter{}, nil
}
