package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// 默认值
const (
	DefaultName  = "gateway"
	DefaultAddr  = ":8080"
	DefaultRoute = 30 * time.Second
)

// Protocol 上游协议
const (
	ProtocolHTTP = "HTTP"
	ProtocolH2C  = "H2C"
)

// Gateway 是网关的完整配置。
type Gateway struct {
	// Name 网关名称
	Name string `json:"name"`
	// Server 监听配置
	Server Server `json:"server"`
	// Middlewares 全局过滤器，作用在所有路由上
	Middlewares []*Middleware `json:"middlewares,omitempty"`
	// Routes 按声明顺序匹配的路由表
	Routes []*Route `json:"routes,omitempty"`
}

// Server 是监听相关的配置。
type Server struct {
	Addr              string   `json:"addr"`
	ReadTimeout       Duration `json:"read_timeout,omitempty"`
	ReadHeaderTimeout Duration `json:"read_header_timeout,omitempty"`
	WriteTimeout      Duration `json:"write_timeout,omitempty"`
	IdleTimeout       Duration `json:"idle_timeout,omitempty"`
}

// Middleware 是过滤器配置，Options 由各过滤器自行解析。
type Middleware struct {
	Name     string          `json:"name"`
	Required bool            `json:"required,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// Route 是单条路由配置。
type Route struct {
	// ID 路由标识，在路由表中唯一
	ID string `json:"id"`
	// Host 主机模式，支持结尾的通配符 *，例如 localhost*
	Host string `json:"host"`
	// Predicates 额外的具名谓词，与主机模式做短路与运算
	Predicates []string `json:"predicates,omitempty"`
	// Filters 路由过滤器，按声明顺序执行
	Filters []*Middleware `json:"filters,omitempty"`
	// URI 目标地址模板，支持 ${server.port} 以及环境变量
	URI string `json:"uri"`
	// Timeout 转发超时时间
	Timeout Duration `json:"timeout,omitempty"`
	// Protocol 上游协议，HTTP 或 H2C
	Protocol string `json:"protocol,omitempty"`
}

// Duration 支持以 "1s" 形式书写的时间间隔。
type Duration time.Duration

// AsDuration 返回 time.Duration。
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 同时接受字符串和纳秒数。
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
	return nil
}

// Parse 解析 YAML 配置并补全默认值。addr 不为空时覆盖配置中的监听地址。
func Parse(data []byte, addr string) (*Gateway, error) {
	gw := &Gateway{}
	if err := yaml.Unmarshal(data, gw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if addr != "" {
		gw.Server.Addr = addr
	}
	if err := gw.complete(); err != nil {
		return nil, err
	}
	return gw, nil
}

// Port 返回监听地址中的端口。
func (g *Gateway) Port() (int, error) {
	return PortOf(g.Server.Addr)
}

// PortOf 解析 host:port 形式地址中的端口。
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid listen port %q", p)
	}
	return port, nil
}

func (g *Gateway) complete() error {
	if g.Name == "" {
		g.Name = DefaultName
	}
	if g.Server.Addr == "" {
		g.Server.Addr = DefaultAddr
	}
	port, err := g.Port()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(g.Routes))
	for i, r := range g.Routes {
		if r == nil {
			return fmt.Errorf("route #%d is empty", i)
		}
		if r.ID == "" {
			return fmt.Errorf("route #%d has no id", i)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		r.URI = Expand(r.URI, port)
		if _, err := ParseURI(r.URI); err != nil {
			return fmt.Errorf("route %q: %w", r.ID, err)
		}
		if r.Timeout <= 0 {
			r.Timeout = Duration(DefaultRoute)
		}
		r.Protocol = strings.ToUpper(r.Protocol)
		switch r.Protocol {
		case "":
			r.Protocol = ProtocolHTTP
		case ProtocolHTTP, ProtocolH2C:
		default:
			return fmt.Errorf("route %q has unsupported protocol %q", r.ID, r.Protocol)
		}
	}
	return nil
}

// ParseURI 解析路由目标地址，只接受带主机的 http 和 https 地址。
func ParseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	// 漏写 scheme 时 localhost:8080 会被解析成 scheme 为 localhost 的地址
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid uri %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid uri %q: host is empty", raw)
	}
	return u, nil
}

// templateVar 匹配 ${name} 形式的模板变量，不带花括号的 $name 保持原样
var templateVar = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Expand 替换模板中的 ${server.port}，其余 ${NAME} 从环境变量中读取。
func Expand(s string, port int) string {
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		key := m[2 : len(m)-1]
		if key == "server.port" {
			return strconv.Itoa(port)
		}
		return os.Getenv(key)
	})
}
