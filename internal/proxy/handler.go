package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// 响应头，暴露 worker 的处理结果。
const (
	HeaderCacheHit   = "X-Shellcache-Cache-Hit"
	HeaderPolicy     = "X-Shellcache-Policy"
	HeaderGeneration = "X-Shellcache-Generation"
)

// Handler 把请求交给当前 active worker；worker 不接管的请求直接转发源站。
type Handler struct {
	client       *http.Client
	logger       *logrus.Logger
	registration *worker.Registration
	origin       string
}

// NewHandler constructs a handler with the shared HTTP client, logger and registration.
func NewHandler(client *http.Client, logger *logrus.Logger, registration *worker.Registration, origin string) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		client:       client,
		logger:       logger,
		registration: registration,
		origin:       strings.TrimSuffix(origin, "/"),
	}
}

// Handle 实现 server.RequestHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	target := h.origin + requestURI(c)

	active := h.registration.Active()
	if active == nil {
		return h.forward(c, ctx, target, "", "", requestID, started)
	}

	result, err := active.Fetch(ctx, &worker.Request{
		Method: c.Method(),
		URL:    target,
		Header: fiberHeadersAsHTTP(c),
	})
	if err != nil {
		h.logResult(c.Method(), result, active.ID(), target, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if !result.Intercepted {
		return h.forward(c, ctx, target, result.Key, active.ID(), requestID, started)
	}
	return h.serveResult(c, result, active.ID(), target, requestID, started)
}

func (h *Handler) serveResult(
	c fiber.Ctx,
	result worker.FetchResult,
	generation string,
	target string,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	headers := resp.Header
	if result.CacheHit {
		// 缓存条目由所有客户端共享，不回放会话相关的头。
		headers = server.StoredResponseHeaders(headers)
	}
	copyResponseHeaders(c, headers)
	setWorkerHeaders(c, result.CacheHit, result.Policy, generation)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	h.logResult(c.Method(), result, generation, target, requestID, resp.Status, started, nil)
	return c.Send(resp.Body)
}

// forward 原样转发请求到源站并流式返回响应，不写缓存。
func (h *Handler) forward(
	c fiber.Ctx,
	ctx context.Context,
	target string,
	key string,
	generation string,
	requestID string,
	started time.Time,
) error {
	result := worker.FetchResult{Key: key, Policy: worker.PolicyPassthrough}
	req, err := h.buildUpstreamRequest(c, ctx, target)
	if err != nil {
		h.logResult(c.Method(), result, generation, target, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c.Method(), result, generation, target, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	setWorkerHeaders(c, false, worker.PolicyPassthrough, generation)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c.Method(), result, generation, target, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c.Method(), result, generation, target, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, ctx context.Context, target string) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target, body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	result worker.FetchResult,
	generation string,
	upstream string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(method, result.Key, string(result.Policy), generation, result.CacheHit)
	fields["action"] = "proxy"
	fields["upstream"] = upstream
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func setWorkerHeaders(c fiber.Ctx, cacheHit bool, policy worker.Policy, generation string) {
	c.Set(HeaderCacheHit, strconv.FormatBool(cacheHit))
	c.Set(HeaderPolicy, string(policy))
	if generation != "" {
		c.Set(HeaderGeneration, generation)
	}
}

// requestURI 返回未解码的 path + query，保证与清单中的编码形式一致。
func requestURI(c fiber.Ctx) string {
	uri := string(c.Request().RequestURI())
	if uri == "" {
		return "/"
	}
	if !strings.HasPrefix(uri, "/") {
		// 绝对形式的请求行（代理请求）只保留 path 部分。
		if idx := strings.Index(uri, "://"); idx != -1 {
			rest := uri[idx+3:]
			if slash := strings.Index(rest, "/"); slash != -1 {
				return rest[slash:]
			}
			return "/"
		}
		return "/" + uri
	}
	return uri
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
