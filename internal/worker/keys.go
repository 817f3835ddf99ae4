package worker

import "strings"

// versionMarker 是构建工具追加的版本查询串，不应产生独立缓存条目。
const versionMarker = "?v="

// ResourceKey 将缓存中的绝对 URL 还原为清单 key：去掉 origin + "/"，空串归一为 "/"。
func ResourceKey(origin, rawURL string) string {
	key := rawURL
	if strings.HasPrefix(rawURL, origin+"/") {
		key = rawURL[len(origin)+1:]
	} else if rawURL == origin {
		key = ""
	}
	if key == "" {
		return "/"
	}
	return key
}

// RequestKey 计算 fetch 请求对应的清单 key。与 ResourceKey 不同，它会截断 "?v="
// 版本串，并把 origin 本身、同源 fragment 导航统一映射到 "/"。
func RequestKey(origin, rawURL string) string {
	key := rawURL
	if strings.HasPrefix(rawURL, origin+"/") {
		key = rawURL[len(origin)+1:]
	}
	if idx := strings.Index(key, versionMarker); idx != -1 {
		key = key[:idx]
	}
	if rawURL == origin || strings.HasPrefix(rawURL, origin+"/#") || key == "" {
		return "/"
	}
	return key
}

// ResourceURL 是 ResourceKey 的逆操作，用于构造 shell/离线下载请求的绝对地址。
func ResourceURL(origin, key string) string {
	if key == "/" || key == "" {
		return origin + "/"
	}
	return origin + "/" + strings.TrimPrefix(key, "/")
}
