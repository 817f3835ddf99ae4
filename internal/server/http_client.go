package server

import (
	"net"
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/config"
)

// DefaultUpstreamTimeout 在配置缺失时使用。
const DefaultUpstreamTimeout = 30 * time.Second

// originTransport 是访问源站的基准 Transport，每个 client 持有一份 Clone。
// 源站只有一个，连接池按单 host 调整。
var originTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   64,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回访问源站的 http.Client，超时取自 UpstreamTimeout。
// worker 的 shell/离线下载与 proxy 透传共用同一个 client。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := DefaultUpstreamTimeout
	if cfg != nil {
		if configured := cfg.Global.UpstreamTimeout.DurationValue(); configured > 0 {
			timeout = configured
		}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: originTransport.Clone(),
	}
}
