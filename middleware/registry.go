package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cnsync/selfgate/config"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

// LOG 中间件相关的日志记录器
var LOG = log.NewHelper(log.With(log.GetLogger(), "source", "middleware"))

var globalRegistry = NewRegistry()

var _failedMiddlewareCreate = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "go",
	Subsystem: "gateway",
	Name:      "failed_middleware_create",
	Help:      "The total number of failed middleware create",
}, []string{"name", "required"})

func init() {
	prometheus.MustRegister(_failedMiddlewareCreate)
}

// ErrNotFound 表示过滤器没有注册
var ErrNotFound = errors.New("middleware has not been registered")

// Factory 根据配置创建过滤器。
type Factory func(*config.Middleware) (Filter, error)

// Registry 用于注册和创建过滤器。
type Registry interface {
	Register(name string, factory Factory)
	Create(cfg *config.Middleware) (Filter, error)
}

type middlewareRegistry struct {
	middleware map[string]Factory
}

// NewRegistry 创建一个新的过滤器注册器。
func NewRegistry() Registry {
	return &middlewareRegistry{
		middleware: map[string]Factory{},
	}
}

// Register 注册单个过滤器工厂
func (p *middlewareRegistry) Register(name string, factory Factory) {
	p.middleware[createFullName(name)] = factory
}

// Create 根据配置创建过滤器实例。
// 必需的过滤器创建失败时返回错误，可选的过滤器创建失败时退化为 EmptyFilter。
func (p *middlewareRegistry) Create(cfg *config.Middleware) (Filter, error) {
	method, ok := p.middleware[createFullName(cfg.Name)]
	if !ok {
		return nil, ErrNotFound
	}
	instance, err := method(cfg)
	if err == nil {
		return instance, nil
	}
	if cfg.Required {
		_failedMiddlewareCreate.WithLabelValues(cfg.Name, "true").Inc()
		LOG.Errorw(log.DefaultMessageKey, "Failed to create required middleware", "reason", "create_required_middleware_failed", "name", cfg.Name, "error", err)
		return nil, err
	}
	_failedMiddlewareCreate.WithLabelValues(cfg.Name, "false").Inc()
	LOG.Errorw(log.DefaultMessageKey, "Failed to create optional middleware", "reason", "create_optional_middleware_failed", "name", cfg.Name, "error", err)
	return EmptyFilter, nil
}

func createFullName(name string) string {
	return strings.ToLower("gateway.middleware." + name)
}

// Register 在全局注册器中注册过滤器工厂
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// Create 使用全局注册器创建过滤器实例
func Create(cfg *config.Middleware) (Filter, error) {
	return globalRegistry.Create(cfg)
}

// DecodeOptions 将过滤器配置中的 options 解析到 v 中
func DecodeOptions(c *config.Middleware, v any) error {
	if len(c.Options) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Options, v); err != nil {
		return fmt.Errorf("decode options of middleware %q: %w", c.Name, err)
	}
	return nil
}
