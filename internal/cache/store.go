package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Store 管理一组具名缓存分区，语义对齐浏览器的 CacheStorage。
type Store interface {
	// Open 返回指定分区，不存在时自动创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个分区及其全部条目，返回删除前分区是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Partition 是单个具名分区，条目以请求的绝对 URL 作为 key。
type Partition interface {
	Name() string

	// Match 返回 key 对应的响应副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入（或覆盖）key 对应的响应。实现需保证写入原子性。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回分区内全部 key，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存中保存的一次完整响应，正文整体缓冲以便 clone。
type Response struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK 对齐 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝响应，写入缓存与返回调用方的对象互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = r.Header.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartition 表示分区名不合法。
	ErrInvalidPartition = errors.New("invalid cache partition name")
)

// entryMeta 是 fs/s3 后端共用的元数据文件格式。
type entryMeta struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Size     int64       `json:"size"`
	StoredAt time.Time   `json:"stored_at"`
}

func metaFor(resp *Response, storedAt time.Time) entryMeta {
	return entryMeta{
		URL:      resp.URL,
		Status:   resp.Status,
		Header:   resp.Header,
		Size:     int64(len(resp.Body)),
		StoredAt: storedAt,
	}
}

func (m entryMeta) response(body []byte) *Response {
	return &Response{
		URL:      m.URL,
		Status:   m.Status,
		Header:   m.Header.Clone(),
		Body:     body,
		StoredAt: m.StoredAt,
	}
}
