package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/eplnewshub/newshub-edge/internal/engine"
)

// ErrBodyTooLarge 表示响应正文超过 MaxBodySize，无法整体缓冲。
var ErrBodyTooLarge = errors.New("upstream body exceeds limit")

// Fetcher 通过共享 http.Client 执行请求并完整读取正文，实现 engine.Fetcher。
type Fetcher struct {
	client  *http.Client
	maxBody int64
}

// NewFetcher 构建 Fetcher，maxBody<=0 表示不限制正文大小。
func NewFetcher(client *http.Client, maxBody int64) *Fetcher {
	if client == nil {
		client = NewClient(nil)
	}
	return &Fetcher{client: client, maxBody: maxBody}
}

// Fetch 只在无法获得响应时返回 error，非 2xx 状态码原样返回。
func (f *Fetcher) Fetch(ctx context.Context, req *engine.Request) (*engine.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		CopyHeaders(upstreamReq.Header, req.Header)
	}
	// 交给 Transport 透明解压，缓存中只保存明文正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Host = req.URL.Host

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := f.readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Redacted(), err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	// 正文已完整缓冲，长度由下游重新计算。
	header.Del("Content-Length")

	return &engine.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBody <= 0 {
		return io.ReadAll(r)
	}
	payload, err := io.ReadAll(io.LimitReader(r, f.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > f.maxBody {
		return nil, ErrBodyTooLarge
	}
	return payload, nil
}
