package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// ActivationReport 汇总一次激活的结果，供日志与诊断接口使用。
type ActivationReport struct {
	Generation string          `json:"generation"`
	State      ActivationState `json:"state"`
	Evicted    []string        `json:"evicted,omitempty"`
	Copied     []string        `json:"copied,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Error      string          `json:"error,omitempty"`
}

// Activate 对比历史清单与当前清单并协调 CONTENT 分区。
// 任何步骤出错都会重置三个分区，下次访问按冷缓存处理；worker 仍然进入 activated 状态。
func (w *Worker) Activate(ctx context.Context) ActivationReport {
	w.setState(StateActivating)
	report := ActivationReport{Generation: w.id, StartedAt: time.Now().UTC()}

	plan, err := w.reconcile(ctx)
	if err != nil {
		report.State = Failed
		report.Error = err.Error()
		fields := logging.LifecycleFields("activate", w.id)
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Error("activate_failed")
		if resetErr := ResetPartitions(ctx, w.store, w.partitions); resetErr != nil {
			w.logger.WithFields(logging.LifecycleFields("activate", w.id)).
				WithError(resetErr).Error("partition_reset_failed")
		}
	} else {
		report.State = plan.State
		report.Evicted = plan.Keys(ActionEvict)
		report.Copied = plan.Keys(ActionCopy)
	}
	report.Duration = time.Since(report.StartedAt)

	w.mu.Lock()
	w.state = StateActivated
	w.lastActivation = &report
	w.mu.Unlock()

	fields := logging.LifecycleFields("activate", w.id)
	fields["state"] = report.State.String()
	fields["evicted"] = len(report.Evicted)
	fields["copied"] = len(report.Copied)
	fields["duration_ms"] = report.Duration.Milliseconds()
	w.logger.WithFields(fields).Info("activate_complete")
	return report
}

// ResetPartitions 删除 MANIFEST、TEMP、CONTENT 三个分区，尽量全部执行并合并错误。
func ResetPartitions(ctx context.Context, store cache.Store, partitions Partitions) error {
	var errs []error
	for _, name := range partitions.withDefaults().Names() {
		if _, err := store.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// PriorManifest 读取 MANIFEST 分区中保存的上一代清单；不存在时返回 nil。
func (w *Worker) PriorManifest(ctx context.Context) (manifest.Manifest, error) {
	partition, err := w.store.Open(ctx, w.partitions.Manifest)
	if err != nil {
		return nil, err
	}
	return w.readManifest(ctx, partition)
}

func (w *Worker) readManifest(ctx context.Context, partition cache.Partition) (manifest.Manifest, error) {
	stored, err := partition.Match(ctx, w.resourceURL(manifestEntryKey))
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stored manifest: %w", err)
	}
	prior, err := manifest.Decode(stored.Body)
	if err != nil {
		return nil, fmt.Errorf("decode stored manifest: %w", err)
	}
	return prior, nil
}

func (w *Worker) reconcile(ctx context.Context) (ActivationPlan, error) {
	manifestPartition, err := w.store.Open(ctx, w.partitions.Manifest)
	if err != nil {
		return ActivationPlan{}, err
	}
	content, err := w.store.Open(ctx, w.partitions.Content)
	if err != nil {
		return ActivationPlan{}, err
	}
	temp, err := w.store.Open(ctx, w.partitions.Temp)
	if err != nil {
		return ActivationPlan{}, err
	}

	prior, err := w.readManifest(ctx, manifestPartition)
	if err != nil {
		return ActivationPlan{}, err
	}
	var contentURLs []string
	if prior != nil {
		if contentURLs, err = content.Keys(ctx); err != nil {
			return ActivationPlan{}, fmt.Errorf("list content: %w", err)
		}
	}
	tempURLs, err := temp.Keys(ctx)
	if err != nil {
		return ActivationPlan{}, fmt.Errorf("list temp: %w", err)
	}

	plan := PlanActivation(w.origin, prior, w.resources, contentURLs, tempURLs)
	for _, action := range plan.Actions {
		switch action.Kind {
		case ActionResetContent:
			if _, err := w.store.Delete(ctx, w.partitions.Content); err != nil {
				return plan, fmt.Errorf("reset content: %w", err)
			}
			if content, err = w.store.Open(ctx, w.partitions.Content); err != nil {
				return plan, err
			}
		case ActionEvict:
			if _, err := content.Delete(ctx, action.URL); err != nil {
				return plan, fmt.Errorf("evict %s: %w", action.Key, err)
			}
			w.logger.WithFields(logging.LifecycleFields("activate", w.id)).
				WithField("resource_key", action.Key).
				WithField("reason", action.Reason).
				Debug("resource_evicted")
		case ActionCopy:
			resp, err := temp.Match(ctx, action.URL)
			if err != nil {
				return plan, fmt.Errorf("read temp %s: %w", action.Key, err)
			}
			if err := content.Put(ctx, action.URL, resp); err != nil {
				return plan, fmt.Errorf("copy %s: %w", action.Key, err)
			}
		case ActionDropTemp:
			if _, err := w.store.Delete(ctx, w.partitions.Temp); err != nil {
				return plan, fmt.Errorf("drop temp: %w", err)
			}
		case ActionPersistManifest:
			if err := w.persistManifest(ctx, manifestPartition); err != nil {
				return plan, err
			}
		case ActionClaim:
			w.mu.Lock()
			w.claimed = true
			w.mu.Unlock()
		}
	}
	return plan, nil
}

func (w *Worker) persistManifest(ctx context.Context, partition cache.Partition) error {
	body, err := w.resources.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	url := w.resourceURL(manifestEntryKey)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if err := partition.Put(ctx, url, &cache.Response{
		URL:      url,
		Status:   http.StatusOK,
		Header:   header,
		Body:     body,
		StoredAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}
