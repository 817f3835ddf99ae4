package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/server"
)

// Request 描述一次资源请求；URL 为绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Reload 对应 fetch 的 {cache: 'reload'}：绕过所有中间 HTTP 缓存。
	Reload bool
}

// Network 抽象源站访问，测试中可替换为桩实现。
type Network interface {
	// Fetch 返回完整缓冲的响应。任何已收到的响应（包括 4xx/5xx）都不是错误，
	// 只有连接失败等传输层问题才返回 error。
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// conditionalHeaders 在 reload 请求中剔除，避免源站返回 304。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// HTTPNetwork 基于共享 http.Client 访问源站。
type HTTPNetwork struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPNetwork 使用给定 client 构造 Network；client 为空时使用 http.DefaultClient。
func NewHTTPNetwork(client *http.Client) *HTTPNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNetwork{client: client, now: time.Now}
}

// Fetch 实现 Network。
func (n *HTTPNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	// 交给 Transport 处理压缩，缓存中始终保存解码后的正文。
	httpReq.Header.Del("Accept-Encoding")
	if req.Reload {
		for _, header := range conditionalHeaders {
			httpReq.Header.Del(header)
		}
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", req.URL, err)
	}

	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		URL:      req.URL,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: n.now().UTC(),
	}, nil
}
