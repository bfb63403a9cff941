// Package upstream 封装访问源站与第三方接口的共享 http.Client，
// 并提供 engine.Fetcher 的 HTTP 实现。
package upstream

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/eplnewshub/newshub-edge/internal/config"
)

const defaultTimeout = 30 * time.Second

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回共享 http.Client；源站、FPL 与推理接口都经由它访问。
func NewClient(cfg *config.Config) *http.Client {
	timeout := defaultTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段
// 以及 Connection 头里点名的字段。
func CopyHeaders(dst, src http.Header) {
	named := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := named[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
