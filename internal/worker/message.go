package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/any-hub/shellcache/internal/logging"
)

// 支持的控制消息。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// MessageResult 描述消息处理结果。
type MessageResult struct {
	Command    string   `json:"command"`
	Handled    bool     `json:"handled"`
	Downloaded []string `json:"downloaded,omitempty"`
}

// HandleMessage 同步处理控制消息；未知消息被忽略（Handled=false）且不报错。
func (w *Worker) HandleMessage(ctx context.Context, command string) (MessageResult, error) {
	result := MessageResult{Command: command}
	switch command {
	case MessageSkipWaiting:
		w.SkipWaiting(ctx)
		result.Handled = true
		return result, nil
	case MessageDownloadOffline:
		downloaded, err := w.DownloadOffline(ctx)
		result.Handled = true
		result.Downloaded = downloaded
		return result, err
	default:
		w.logger.WithFields(logging.LifecycleFields("message", w.id)).
			WithField("command", command).
			Debug("message_ignored")
		return result, nil
	}
}

// DownloadOffline 补齐 CONTENT 中缺失的清单资源，返回新写入的 key。
// 语义与 addAll 相同：任一资源失败则不写入任何条目。
func (w *Worker) DownloadOffline(ctx context.Context) ([]string, error) {
	started := time.Now()
	content, err := w.store.Open(ctx, w.partitions.Content)
	if err != nil {
		return nil, err
	}
	cachedURLs, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	present := make(map[string]struct{}, len(cachedURLs))
	for _, url := range cachedURLs {
		present[ResourceKey(w.origin, url)] = struct{}{}
	}

	var missing []string
	for _, key := range w.resources.Keys() {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}

	fields := logging.LifecycleFields("download_offline", w.id)
	fields["missing"] = len(missing)
	if len(missing) > 0 {
		responses, err := w.fetchAll(ctx, missing, false)
		if err == nil {
			err = w.storeAll(ctx, w.partitions.Content, responses)
		}
		if err != nil {
			fields["error"] = err.Error()
			w.logger.WithFields(fields).Error("download_offline_failed")
			return nil, fmt.Errorf("download offline: %w", err)
		}
	}
	fields["duration_ms"] = time.Since(started).Milliseconds()
	w.logger.WithFields(fields).Info("download_offline_complete")
	return missing, nil
}
