package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ProxyCallback 通过服务端到服务端的通道把真实 PGT 交给代理服务
// 前端通道只返回 IOU，只看到前端响应的观察者无法申请代理票据
type ProxyCallback interface {
	Deliver(ctx context.Context, callbackURL, pgtID, pgtIOU string) error
}

// ProxyCallbackConfig 代理回调配置
type ProxyCallbackConfig struct {
	Timeout      time.Duration // 单次回调超时，默认 5 秒
	RequireHTTPS bool          // 是否只允许 https 回调地址
	Client       *http.Client  // 为空时使用默认客户端
}

type httpProxyCallback struct {
	client       *http.Client
	timeout      time.Duration
	requireHTTPS bool
}

// NewProxyCallback 创建基于 HTTP GET 的代理回调
func NewProxyCallback(cfg *ProxyCallbackConfig) ProxyCallback {
	if cfg == nil {
		cfg = &ProxyCallbackConfig{RequireHTTPS: true}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			// 回调地址不允许通过重定向转交 PGT
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &httpProxyCallback{
		client:       client,
		timeout:      timeout,
		requireHTTPS: cfg.RequireHTTPS,
	}
}

// Deliver 请求 callbackURL?pgtIou=...&pgtId=...，只有 2xx 视为成功
func (p *httpProxyCallback) Deliver(ctx context.Context, callbackURL, pgtID, pgtIOU string) error {
	u, err := url.Parse(callbackURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: 回调地址无效", ErrProxyCallbackFailed)
	}
	if p.requireHTTPS && u.Scheme != "https" {
		return fmt.Errorf("%w: 回调地址必须使用 https", ErrProxyCallbackFailed)
	}

	target := AppendQuery(AppendQuery(callbackURL, "pgtIou", pgtIOU), "pgtId", pgtID)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyCallbackFailed, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProxyCallbackFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: 回调返回状态码 %d", ErrProxyCallbackFailed, resp.StatusCode)
	}
	return nil
}
