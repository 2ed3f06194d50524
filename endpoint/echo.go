// Package endpoint 提供由网关进程自身处理的本地端点。
package endpoint

import (
	"net/http"

	"github.com/cnsync/selfgate/router"
)

// EchoBody 是 /echo 的固定响应内容
const EchoBody = "Hello!"

// Echo 返回固定内容
func Echo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(EchoBody))
}

// Register 将本地端点注册到本地分发路由器上。
func Register(r router.Router) error {
	return r.Handle("/echo", http.MethodGet, http.HandlerFunc(Echo))
}
