package service

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultStrippedParams 默认忽略的查询参数，ticket 由协议本身追加
var DefaultStrippedParams = []string{"ticket"}

// ServiceMatcher 服务地址规范化与比较
//
// 规范化去掉会话或票据相关的查询参数，其余查询参数保持原有顺序与编码；
// 协议与主机名不区分大小写，路径区分大小写。
type ServiceMatcher struct {
	stripped map[string]struct{}
}

// NewServiceMatcher 创建服务地址匹配器，stripped 为空时使用 DefaultStrippedParams
func NewServiceMatcher(stripped []string) *ServiceMatcher {
	if len(stripped) == 0 {
		stripped = DefaultStrippedParams
	}
	m := &ServiceMatcher{stripped: make(map[string]struct{}, len(stripped))}
	for _, name := range stripped {
		if name = strings.TrimSpace(name); name != "" {
			m.stripped[name] = struct{}{}
		}
	}
	return m
}

// Normalize 返回服务地址的规范形式
func (m *ServiceMatcher) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidService
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", ErrInvalidService
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = m.stripQuery(u.RawQuery)
	u.ForceQuery = false
	return u.String(), nil
}

// Matches 比较两个服务地址规范化后是否相同，任一地址无法解析时不匹配
func (m *ServiceMatcher) Matches(a, b string) bool {
	na, err := m.Normalize(a)
	if err != nil {
		return false
	}
	nb, err := m.Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}

// stripQuery 移除需要忽略的参数，保留其余参数的原始写法
func (m *ServiceMatcher) stripQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		key, _, _ := strings.Cut(part, "=")
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if _, skip := m.stripped[key]; skip {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

// AppendQuery 在地址末尾追加一个查询参数，片段保持在最后
func AppendQuery(rawURL, key, value string) string {
	base, fragment, hasFragment := strings.Cut(rawURL, "#")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
		if strings.HasSuffix(base, "?") || strings.HasSuffix(base, "&") {
			sep = ""
		}
	}
	result := base + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
	if hasFragment {
		result += "#" + fragment
	}
	return result
}
