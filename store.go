package main

import (
	"context"
	"fmt"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
)

// openStore 按 StorageBackend 选择缓存后端。
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Global.StorageBackend {
	case config.BackendMemory:
		return cache.NewMemoryStore(), nil
	case config.BackendS3:
		return cache.NewS3Store(ctx, cache.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
			Timeout:   cfg.Global.UpstreamTimeout.DurationValue(),
		})
	case config.BackendFS, "":
		return cache.NewStore(cfg.Global.StoragePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Global.StorageBackend)
	}
}
