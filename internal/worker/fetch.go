package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
)

// Policy 描述请求被处理的方式。
type Policy string

const (
	// PolicyPassthrough 表示 worker 不接管该请求，由调用方直接访问源站。
	PolicyPassthrough Policy = "passthrough"
	// PolicyCacheFirst 先查 CONTENT，未命中再访问网络并写回。
	PolicyCacheFirst Policy = "cache-first"
	// PolicyOnlineFirst 先访问网络，失败时回落到 CONTENT。仅用于 "/"。
	PolicyOnlineFirst Policy = "online-first"
)

// FetchResult 是 Fetch 的输出。Intercepted 为 false 时 Response 为空。
type FetchResult struct {
	Key         string
	Policy      Policy
	Intercepted bool
	CacheHit    bool
	Response    *cache.Response
}

// Route 计算请求对应的清单 key 与处理策略，不产生任何 IO。
func (w *Worker) Route(req *Request) (string, Policy) {
	if req.Method != "" && req.Method != http.MethodGet {
		return "", PolicyPassthrough
	}
	key := RequestKey(w.origin, req.URL)
	if !w.resources.Has(key) {
		return key, PolicyPassthrough
	}
	if key == "/" {
		return key, PolicyOnlineFirst
	}
	return key, PolicyCacheFirst
}

// Fetch 处理一次资源请求。返回错误时 result 仍带有 key 与策略，便于记录日志。
func (w *Worker) Fetch(ctx context.Context, req *Request) (FetchResult, error) {
	key, policy := w.Route(req)
	result := FetchResult{Key: key, Policy: policy}
	switch policy {
	case PolicyOnlineFirst:
		result.Intercepted = true
		return w.onlineFirst(ctx, req, result)
	case PolicyCacheFirst:
		result.Intercepted = true
		return w.cacheFirst(ctx, req, result)
	default:
		return result, nil
	}
}

func (w *Worker) cacheFirst(ctx context.Context, req *Request, result FetchResult) (FetchResult, error) {
	content, err := w.store.Open(ctx, w.partitions.Content)
	if err != nil {
		return result, err
	}
	cached, err := content.Match(ctx, req.URL)
	if err == nil {
		result.CacheHit = true
		result.Response = replayable(cached)
		return result, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logCacheError(result.Key, "cache_read_failed", err)
	}

	resp, err := w.network.Fetch(ctx, fillRequest(req))
	if err != nil {
		return result, err
	}
	resp.URL = req.URL
	w.storeFilled(ctx, content, result.Key, resp)
	result.Response = resp
	return result, nil
}

func (w *Worker) onlineFirst(ctx context.Context, req *Request, result FetchResult) (FetchResult, error) {
	content, openErr := w.store.Open(ctx, w.partitions.Content)

	resp, fetchErr := w.network.Fetch(ctx, fillRequest(req))
	if fetchErr == nil {
		resp.URL = req.URL
		if openErr == nil {
			w.storeFilled(ctx, content, result.Key, resp)
		}
		result.Response = resp
		return result, nil
	}

	if openErr != nil {
		return result, fetchErr
	}
	cached, err := content.Match(ctx, req.URL)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logCacheError(result.Key, "cache_read_failed", err)
		}
		return result, fetchErr
	}
	result.CacheHit = true
	result.Response = replayable(cached)
	return result, nil
}

// storeFilled 把网络响应写入 CONTENT。CONTENT 由所有客户端共享，
// 只接受完整且未声明 private/no-store 的响应。
func (w *Worker) storeFilled(ctx context.Context, content cache.Partition, key string, resp *cache.Response) {
	if !server.IsStorableResponse(resp.Status, resp.Header) {
		return
	}
	if err := content.Put(ctx, resp.URL, replayable(resp)); err != nil {
		w.logCacheError(key, "cache_write_failed", err)
	}
}

// fillRequest 返回填充共享缓存时使用的请求：不带范围、条件与凭据头。
func fillRequest(req *Request) *Request {
	fill := *req
	if req.Header != nil {
		fill.Header = server.FillRequestHeaders(req.Header)
	}
	return &fill
}

// replayable 返回可以交给任意客户端的副本，去掉 Set-Cookie 等与单个会话绑定的头。
func replayable(resp *cache.Response) *cache.Response {
	out := resp.Clone()
	out.Header = server.StoredResponseHeaders(resp.Header)
	return out
}

func (w *Worker) logCacheError(key, msg string, err error) {
	w.logger.WithFields(logging.LifecycleFields("fetch", w.id)).
		WithField("resource_key", key).
		WithError(err).
		Warn(msg)
}
