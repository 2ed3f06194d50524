package debug

import (
	"net/http"
	"net/http/pprof"
	"path"
	"strings"

	rmux "github.com/cnsync/selfgate/router/mux"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/mux"
)

const _debugPrefix = "/debug"

// Debuggable 由能够输出调试信息的组件实现
type Debuggable interface {
	DebugHandler() http.Handler
}

// Service 聚合 pprof 和各组件注册的调试处理器
type Service struct {
	mux *mux.Router
}

// NewService 创建调试服务并注册 pprof 处理器
func NewService() *Service {
	r := mux.NewRouter()
	r.HandleFunc("/debug/ping", func(rw http.ResponseWriter, r *http.Request) {})
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		r.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	r.HandleFunc("/debug/pprof/", pprof.Index)
	return &Service{mux: r}
}

// Register 注册一个可调试的组件，处理 /debug/{name} 前缀下的请求
func (d *Service) Register(name string, debuggable Debuggable) {
	p := path.Join(_debugPrefix, name)
	d.mux.PathPrefix(p).Handler(debuggable.DebugHandler())
	log.Infof("register debug: %s", p)
}

// ServeHTTP 实现了 http.Handler 接口
func (d *Service) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	d.mux.ServeHTTP(w, req)
}

// Mashup 将 /debug 前缀的请求交给调试服务，其余请求交给 origin
func (d *Service) Mashup(origin http.Handler) http.Handler {
	protected := rmux.ProtectedHandler(d)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, _debugPrefix) {
			protected.ServeHTTP(w, req)
			return
		}
		origin.ServeHTTP(w, req)
	})
}
