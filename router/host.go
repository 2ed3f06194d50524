package router

import (
	"fmt"
	"strings"
)

// wildcard 是主机模式结尾的通配符
const wildcard = "*"

// HostPattern 是编译后的主机模式。
// 以 * 结尾的模式匹配任意以前缀开头的主机（包括前缀本身），否则要求完全相等，均不区分大小写。
type HostPattern struct {
	raw    string
	prefix string
	isWild bool
}

// CompileHostPattern 校验并编译主机模式，非法的模式在构建路由表时就被拒绝。
func CompileHostPattern(pattern string) (HostPattern, error) {
	if pattern == "" {
		return HostPattern{}, fmt.Errorf("host pattern is empty")
	}
	if strings.ContainsAny(pattern, " \t\r\n/") {
		return HostPattern{}, fmt.Errorf("host pattern %q contains invalid characters", pattern)
	}
	prefix, isWild := strings.CutSuffix(pattern, wildcard)
	if strings.Contains(prefix, wildcard) {
		return HostPattern{}, fmt.Errorf("host pattern %q: wildcard is only allowed at the end", pattern)
	}
	return HostPattern{
		raw:    pattern,
		prefix: strings.ToLower(prefix),
		isWild: isWild,
	}, nil
}

// MustCompileHostPattern 与 CompileHostPattern 相同，出错时 panic。
func MustCompileHostPattern(pattern string) HostPattern {
	p, err := CompileHostPattern(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match 报告 host 是否匹配该模式。
func (p HostPattern) Match(host string) bool {
	host = strings.ToLower(host)
	if p.isWild {
		return strings.HasPrefix(host, p.prefix)
	}
	return host == p.prefix
}

// String 返回原始模式。
func (p HostPattern) String() string { return p.raw }

// MatchHost 是 HostPattern.Match 的函数形式，模式非法时不匹配。
func MatchHost(pattern, host string) bool {
	p, err := CompileHostPattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(host)
}
