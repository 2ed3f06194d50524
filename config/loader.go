package config

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/go-kratos/kratos/v2/log"
)

// DefaultYAML 是没有配置文件时使用的内置配置。
const DefaultYAML = `
name: gateway
server:
  addr: ":8080"
routes:
  - id: route0
    host: "0.0.0.0*"
    filters:
      - name: logging
        options:
          message: route0
    uri: https://httpstat.us
  - id: route1
    host: "localhost*"
    predicates:
      - before_forward
    filters:
      - name: logging
        options:
          message: route1
    uri: "http://localhost:${server.port}"
  - id: route2
    host: "127.0.0.1*"
    filters:
      - name: logging
        options:
          message: route2
    uri: http://httpstat.us
`

// FileLoader 从本地文件加载配置。
type FileLoader struct {
	confPath string
	addr     string

	lock    sync.RWMutex
	current *Gateway
}

// NewFileLoader 创建配置加载器，confPath 为空时使用内置配置。
func NewFileLoader(confPath, addr string) *FileLoader {
	return &FileLoader{confPath: confPath, addr: addr}
}

// Load 读取并解析配置。
func (f *FileLoader) Load(_ context.Context) (*Gateway, error) {
	data := []byte(DefaultYAML)
	if f.confPath != "" {
		log.Infof("loading config file: %s", f.confPath)
		var err error
		if data, err = os.ReadFile(f.confPath); err != nil {
			return nil, err
		}
	}
	gw, err := Parse(data, f.addr)
	if err != nil {
		return nil, err
	}
	f.lock.Lock()
	f.current = gw
	f.lock.Unlock()
	return gw, nil
}

// DebugHandler 输出当前生效的配置。
func (f *FileLoader) DebugHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		f.lock.RLock()
		current := f.current
		f.lock.RUnlock()
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(current)
	})
}
