package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Options 描述 S3/MinIO 后端的连接参数。
type S3Options struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Timeout   time.Duration
}

// objectClient 是 s3Store 依赖的最小 MinIO 能力集合，测试中以内存实现替换。
type objectClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	RemoveObjects(ctx context.Context, bucketName string, objectsCh <-chan minio.ObjectInfo, opts minio.RemoveObjectsOptions) <-chan minio.RemoveObjectError
}

// partitionMarker 标记分区存在；对象存储没有目录概念。
const partitionMarker = ".partition"

// NewS3Store 连接 MinIO/S3 并确保 bucket 存在，对象布局与磁盘后端一致：
//
//	<Prefix>/<partition>/<sha1>.body
//	<Prefix>/<partition>/<sha1>.meta.json
func NewS3Store(ctx context.Context, opts S3Options) (Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket required")
	}
	// MinIO 只接受不带协议头的 endpoint。
	endpoint := strings.TrimPrefix(opts.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newS3Store(ctx, &minioClient{Client: client}, opts)
}

func newS3Store(ctx context.Context, client objectClient, opts S3Options) (*s3Store, error) {
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &s3Store{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		now:    time.Now,
	}, nil
}

type s3Store struct {
	client objectClient
	bucket string
	prefix string
	now    func() time.Time
}

type s3Partition struct {
	store *s3Store
	name  string
}

func (s *s3Store) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	exists, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		marker := s.objectName(name, partitionMarker)
		if _, err := s.client.PutObject(ctx, s.bucket, marker, bytes.NewReader(nil), 0, minio.PutObjectOptions{}); err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &s3Partition{store: s, name: name}, nil
}

func (s *s3Store) Has(ctx context.Context, name string) (bool, error) {
	if err := validatePartitionName(name); err != nil {
		return false, err
	}
	_, err := s.client.StatObject(ctx, s.bucket, s.objectName(name, partitionMarker), minio.StatObjectOptions{})
	if err != nil {
		if isObjectMissing(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *s3Store) Delete(ctx context.Context, name string) (bool, error) {
	existed, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    s.partitionPrefix(name),
			Recursive: true,
		}) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			objects <- obj
		}
	}()

	var firstErr error
	for removeErr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if removeErr.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", removeErr.ObjectName, removeErr.Err)
		}
	}
	select {
	case err := <-listErr:
		if firstErr == nil {
			firstErr = fmt.Errorf("list partition %s: %w", name, err)
		}
	default:
	}
	if firstErr != nil {
		return existed, firstErr
	}
	return existed, nil
}

func (s *s3Store) partitionPrefix(name string) string {
	if s.prefix == "" {
		return name + "/"
	}
	return s.prefix + "/" + name + "/"
}

func (s *s3Store) objectName(partition, file string) string {
	return s.partitionPrefix(partition) + file
}

func (p *s3Partition) Name() string {
	return p.name
}

func (p *s3Partition) Match(ctx context.Context, key string) (*Response, error) {
	id := entryID(key)
	meta, err := p.readMeta(ctx, p.store.objectName(p.name, id+metaSuffix))
	if err != nil {
		return nil, err
	}
	if meta.URL != key {
		return nil, ErrNotFound
	}
	body, err := p.readObject(ctx, p.store.objectName(p.name, id+bodySuffix))
	if err != nil {
		return nil, err
	}
	return meta.response(body), nil
}

func (p *s3Partition) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	stored.URL = key
	metaBytes, err := json.Marshal(metaFor(stored, p.store.now().UTC()))
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}

	id := entryID(key)
	contentType := stored.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := p.store.client.PutObject(ctx, p.store.bucket, p.store.objectName(p.name, id+bodySuffix),
		bytes.NewReader(stored.Body), int64(len(stored.Body)), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("put body: %w", err)
	}
	if _, err := p.store.client.PutObject(ctx, p.store.bucket, p.store.objectName(p.name, id+metaSuffix),
		bytes.NewReader(metaBytes), int64(len(metaBytes)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put meta: %w", err)
	}
	return nil
}

func (p *s3Partition) Delete(ctx context.Context, key string) (bool, error) {
	id := entryID(key)
	metaName := p.store.objectName(p.name, id+metaSuffix)
	existed := true
	if _, err := p.store.client.StatObject(ctx, p.store.bucket, metaName, minio.StatObjectOptions{}); err != nil {
		if !isObjectMissing(err) {
			return false, err
		}
		existed = false
	}
	if err := p.store.client.RemoveObject(ctx, p.store.bucket, metaName, minio.RemoveObjectOptions{}); err != nil && !isObjectMissing(err) {
		return existed, err
	}
	bodyName := p.store.objectName(p.name, id+bodySuffix)
	if err := p.store.client.RemoveObject(ctx, p.store.bucket, bodyName, minio.RemoveObjectOptions{}); err != nil && !isObjectMissing(err) {
		return existed, err
	}
	return existed, nil
}

func (p *s3Partition) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	for obj := range p.store.client.ListObjects(ctx, p.store.bucket, minio.ListObjectsOptions{
		Prefix:    p.store.partitionPrefix(p.name),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, metaSuffix) {
			continue
		}
		meta, err := p.readMeta(ctx, obj.Key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, meta.URL)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *s3Partition) readMeta(ctx context.Context, objectName string) (entryMeta, error) {
	raw, err := p.readObject(ctx, objectName)
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode entry meta %s: %w", path.Base(objectName), err)
	}
	return meta, nil
}

func (p *s3Partition) readObject(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := p.store.client.GetObject(ctx, p.store.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		if isObjectMissing(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isObjectMissing(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func isObjectMissing(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchObject":
		return true
	}
	return false
}

// minioClient 把 *minio.Object 收窄为 io.ReadCloser，并提前 Stat 以暴露 NoSuchKey。
type minioClient struct {
	*minio.Client
}

func (c *minioClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := c.Client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, err
	}
	return obj, nil
}
