package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/cnsync/selfgate/client"
	"github.com/cnsync/selfgate/config"
	"github.com/cnsync/selfgate/middleware"
)

// requestURLFilter 将路由的目标地址与请求路径、查询参数合并，写入交换上下文。
type requestURLFilter struct{}

func (requestURLFilter) Order() int { return middleware.RequestURLOrder }

func (requestURLFilter) Filter(ex *middleware.Exchange, chain middleware.Chain) (*http.Response, error) {
	if base := ex.Route.URI; base != nil {
		ex.SetTargetURL(resolveTargetURL(base, ex.Request.URL))
	}
	return chain.Filter(ex)
}

// resolveTargetURL 使用路由地址的 scheme 和 host，拼接路由路径与请求路径
func resolveTargetURL(base, in *url.URL) *url.URL {
	// scheme、host 取自路由地址
	out := *base
	out.User = nil
	if base.User != nil {
		u := *base.User
		out.User = &u
	}
	out.Path, out.RawPath = joinURLPath(base, in)
	// 合并路由地址和请求中的查询参数
	switch {
	case base.RawQuery == "":
		out.RawQuery = in.RawQuery
	case in.RawQuery == "":
		out.RawQuery = base.RawQuery
	default:
		out.RawQuery = base.RawQuery + "&" + in.RawQuery
	}
	out.Fragment = ""
	return &out
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// joinURLPath 参考 net/http/httputil 中的实现
func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.Path == "" {
		return b.Path, b.RawPath
	}
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()

	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")

	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

// forwardFilter 是终端转发过滤器，唯一发起网络请求的地方，不做重试。
type forwardFilter struct {
	client client.Client
}

func (f *forwardFilter) Order() int { return middleware.ForwardOrder }

func (f *forwardFilter) Filter(ex *middleware.Exchange, _ middleware.Chain) (*http.Response, error) {
	target := ex.TargetURL()
	if target == nil {
		panic("forward: target url is not resolved")
	}
	// 没有配置超时时间时使用默认值
	timeout := ex.Route.Timeout
	if timeout <= 0 {
		timeout = config.DefaultRoute
	}
	// 客户端断开或超时都会取消上游请求
	ctx, cancel := context.WithTimeout(ex.Context(), timeout)
	out := ex.Request.Clone(ctx)
	// 复制目标地址，避免修改交换上下文中的值
	u := *target
	out.URL = &u
	out.Host = target.Host
	setXFFHeader(out)
	resp, err := f.client.RoundTrip(out)
	if err != nil {
		// 请求失败时立即释放 context
		cancel()
		return nil, err
	}
	// 响应体读取完毕之后才能取消 context
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// setXFFHeader 设置 X-Forwarded-For 请求头
func setXFFHeader(req *http.Request) {
	// 参考 https://github.com/golang/go/blob/master/src/net/http/httputil/reverseproxy.go
	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		prior, ok := req.Header["X-Forwarded-For"]
		omit := ok && prior == nil // Issue 38079: nil 表示不填充该请求头
		if len(prior) > 0 {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		if !omit {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
	}
}
