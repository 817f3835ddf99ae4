package server

import (
	"net/http"
	"net/textproto"
	"strings"
)

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

// fillRequestHeaders 在填充共享缓存的请求中剔除：范围/条件请求会得到不完整或空的响应，
// 凭据会让一个客户端的私有响应进入所有客户端共享的缓存。
var fillRequestHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"Cookie",
	"Authorization",
}

// storedResponseHeaders 不随缓存条目保存或回放。
var storedResponseHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
	"Content-Length",
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，忽略 hop-by-hop 字段以及
// src 的 Connection 头中列出的字段。
func CopyHeaders(dst, src http.Header) {
	connectionScoped := connectionTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHopHeader(canonical) {
			continue
		}
		if _, ok := connectionScoped[canonical]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// FillRequestHeaders 返回用于填充共享缓存的请求头：在 CopyHeaders 基础上去掉
// 范围、条件与凭据字段。
func FillRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	CopyHeaders(dst, src)
	for _, key := range fillRequestHeaders {
		dst.Del(key)
	}
	return dst
}

// StoredResponseHeaders 返回可以写入缓存并回放给任意客户端的响应头。
func StoredResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	CopyHeaders(dst, src)
	for _, key := range storedResponseHeaders {
		dst.Del(key)
	}
	return dst
}

// IsStorableResponse 判断响应能否进入共享缓存：2xx 但不含 206，且未声明
// private/no-store 或 Vary: *。
func IsStorableResponse(status int, header http.Header) bool {
	if status < 200 || status > 299 || status == http.StatusPartialContent {
		return false
	}
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	for _, value := range header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			if strings.TrimSpace(field) == "*" {
				return false
			}
		}
	}
	return true
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(textproto.CanonicalMIMEHeaderKey(key))
}

func isHopByHopHeader(canonical string) bool {
	_, ok := hopByHopHeaders[canonical]
	return ok
}

// connectionTokens 解析 Connection 头列出的字段名（RFC 7230 §6.1）。
func connectionTokens(header http.Header) map[string]struct{} {
	values := header.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return tokens
}
