package engine

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/eplnewshub/newshub-edge/internal/cache"
)

var (
	// ErrInstallFailed 表示预缓存清单中至少一项未能以 2xx 取回，引擎转为 redundant。
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled 表示在安装成功之前调用了 Activate。
	ErrNotInstalled = errors.New("engine not installed")
	// ErrTotalMiss 表示网络失败且缓存中没有可用副本。
	ErrTotalMiss = errors.New("network unavailable and no cached response")
	// ErrInvalidPhase 表示生命周期转换不合法，例如重复安装。
	ErrInvalidPhase = errors.New("invalid lifecycle transition")
)

// Phase 描述引擎生命周期。
type Phase string

const (
	PhaseParsed     Phase = "parsed"
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActivated  Phase = "activated"
	PhaseRedundant  Phase = "redundant"
)

// Strategy 是请求最终采用的缓存策略。
type Strategy string

const (
	StrategyPassthrough    Strategy = "passthrough"
	StrategyNetworkFirst   Strategy = "network-first"
	StrategyCacheFirst     Strategy = "cache-first"
	StrategyNetworkTimeout Strategy = "network-timeout"
)

// Source 标识响应来自网络、缓存还是离线页。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceOffline Source = "offline"
)

// Request 是引擎视角的请求，URL 必须是绝对地址。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Key 返回请求对应的缓存键。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// AcceptsHTML 判断 Accept 头是否声明了 text/html。
func (r *Request) AcceptsHTML() bool {
	for _, value := range r.Header.Values("Accept") {
		for _, part := range strings.Split(value, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if mediaType == "text/html" {
				return true
			}
		}
	}
	return false
}

// Response 是完整缓冲的响应快照。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK 对应 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，写缓存前必须复制，避免与返回给客户端的副本共享缓冲。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{Status: r.Status, Header: r.Header.Clone()}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return clone
}

// responseFromEntry 还原缓存条目。Set-Cookie 属于原始请求方，重放时一律去掉。
func responseFromEntry(entry *cache.Entry) *Response {
	header := entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Set-Cookie")
	return &Response{Status: entry.Status, Header: header, Body: entry.Body}
}

func entryFromResponse(resp *Response) *cache.Entry {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Set-Cookie")
	return &cache.Entry{Status: resp.Status, Header: header, Body: resp.Body}
}

// sharedCacheable 判断响应能否进入所有客户端共用的命名空间。
// 带 Authorization 的请求、带 Set-Cookie 或 Cache-Control: private/no-store 的响应
// 只属于发起方，不写入缓存。
func sharedCacheable(req *Request, resp *Response) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, value := range resp.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

// Result 是 Handle 的返回值。
type Result struct {
	Response *Response
	Strategy Strategy
	Source   Source
}

// CacheHit 表示响应未经过网络。
func (r *Result) CacheHit() bool {
	return r.Source == SourceCache || r.Source == SourceOffline
}

// Fetcher 执行真实网络请求。非 2xx 不是错误，只有无法得到响应时才返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 将函数适配为 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// NamespaceInfo 用于诊断接口展示命名空间现状。
type NamespaceInfo struct {
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Entries int    `json:"entries"`
}

// Status 是引擎状态快照。
type Status struct {
	Phase        Phase  `json:"phase"`
	Controlling  bool   `json:"controlling"`
	StaticCache  string `json:"staticCache"`
	RuntimeCache string `json:"runtimeCache"`
	ImageCache   string `json:"imageCache,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}
