package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

// ErrInstallFailed 表示 shell 预取失败，worker 不会进入 installed 状态。
var ErrInstallFailed = errors.New("install failed")

// Install 以 reload 模式预取全部 shell 资源并写入 TEMP。
// 任一资源失败（传输错误或非 2xx）时整体失败，TEMP 不写入任何条目。
// 预取成功后先清空 TEMP：TEMP 只属于最近一次成功安装的世代，
// 被替换的 waiting 世代遗留的条目不会进入后续激活。
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	if w.autoSkip {
		w.SkipWaiting(ctx)
	}

	started := time.Now()
	fields := logging.LifecycleFields("install", w.id)
	fields["shell_count"] = len(w.shell)

	responses, err := w.fetchAll(ctx, w.shell, true)
	if err == nil {
		_, err = w.store.Delete(ctx, w.partitions.Temp)
	}
	if err == nil {
		err = w.storeAll(ctx, w.partitions.Temp, responses)
	}
	fields["duration_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		w.setState(StateRedundant)
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.setState(StateInstalled)
	w.logger.WithFields(fields).Info("install_complete")
	return nil
}

// fetchAll 并发获取全部 key，语义对齐 Cache.addAll：只要有一个失败就整体失败。
// 返回的切片与 keys 一一对应。
func (w *Worker) fetchAll(ctx context.Context, keys []string, reload bool) ([]*cache.Response, error) {
	responses := make([]*cache.Response, len(keys))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(w.concurrency)
	for i, key := range keys {
		group.Go(func() error {
			url := w.resourceURL(key)
			resp, err := w.network.Fetch(groupCtx, &Request{Method: "GET", URL: url, Reload: reload})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key, err)
			}
			if !resp.OK() || resp.Status == http.StatusPartialContent {
				return fmt.Errorf("fetch %s: unexpected status %d", key, resp.Status)
			}
			resp.URL = url
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

func (w *Worker) storeAll(ctx context.Context, partitionName string, responses []*cache.Response) error {
	partition, err := w.store.Open(ctx, partitionName)
	if err != nil {
		return err
	}
	for _, resp := range responses {
		if err := partition.Put(ctx, resp.URL, replayable(resp)); err != nil {
			return fmt.Errorf("store %s: %w", resp.URL, err)
		}
	}
	return nil
}
