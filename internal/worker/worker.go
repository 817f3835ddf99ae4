package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
)

// 默认分区名称，与 Flutter 生成的 service worker 保持一致，便于迁移既有缓存。
const (
	DefaultManifestPartition = "flutter-app-manifest"
	DefaultTempPartition     = "flutter-temp-cache"
	DefaultContentPartition  = "flutter-app-cache"
)

// manifestEntryKey 是 MANIFEST 分区中唯一条目的 key。
const manifestEntryKey = "manifest"

// State 对应 worker 生命周期。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Partitions 汇总三个分区的名称。
type Partitions struct {
	Manifest string `json:"manifest"`
	Temp     string `json:"temp"`
	Content  string `json:"content"`
}

// DefaultPartitions 返回默认分区名称。
func DefaultPartitions() Partitions {
	return Partitions{
		Manifest: DefaultManifestPartition,
		Temp:     DefaultTempPartition,
		Content:  DefaultContentPartition,
	}
}

func (p Partitions) withDefaults() Partitions {
	def := DefaultPartitions()
	if p.Manifest == "" {
		p.Manifest = def.Manifest
	}
	if p.Temp == "" {
		p.Temp = def.Temp
	}
	if p.Content == "" {
		p.Content = def.Content
	}
	return p
}

// Names 返回分区名称列表，顺序固定为 MANIFEST、TEMP、CONTENT。
func (p Partitions) Names() []string {
	return []string{p.Manifest, p.Temp, p.Content}
}

// Options 描述构造一个 worker 世代所需的全部依赖。
type Options struct {
	Origin             string
	Bundle             manifest.Bundle
	Store              cache.Store
	Network            Network
	Logger             *logrus.Logger
	Partitions         Partitions
	InstallConcurrency int
	AutoSkipWaiting    bool
}

// ErrInvalidOptions 表示构造参数不完整。
var ErrInvalidOptions = errors.New("invalid worker options")

// Worker 是一次部署对应的缓存协调器世代：清单与 shell 列表在构造后不可变。
type Worker struct {
	id          string
	origin      string
	resources   manifest.Manifest
	shell       []string
	store       cache.Store
	network     Network
	logger      *logrus.Logger
	partitions  Partitions
	concurrency int
	autoSkip    bool

	mu             sync.Mutex
	state          State
	skipWaiting    bool
	claimed        bool
	lastActivation *ActivationReport
	onSkipWaiting  func(context.Context, *Worker)
}

// New 校验参数并创建处于 parsed 状态的 worker。
func New(opts Options) (*Worker, error) {
	origin := strings.TrimSuffix(strings.TrimSpace(opts.Origin), "/")
	if origin == "" {
		return nil, fmt.Errorf("%w: origin is required", ErrInvalidOptions)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidOptions)
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("%w: network is required", ErrInvalidOptions)
	}
	if err := opts.Bundle.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		id:          uuid.NewString(),
		origin:      origin,
		resources:   opts.Bundle.Resources.Clone(),
		shell:       append([]string(nil), opts.Bundle.Shell...),
		store:       opts.Store,
		network:     opts.Network,
		logger:      logger,
		partitions:  opts.Partitions.withDefaults(),
		concurrency: concurrency,
		autoSkip:    opts.AutoSkipWaiting,
		state:       StateParsed,
	}, nil
}

// ID 返回世代标识。
func (w *Worker) ID() string { return w.id }

// Origin 返回规范化后的源站地址（不含结尾斜杠）。
func (w *Worker) Origin() string { return w.origin }

// Resources 返回清单副本。
func (w *Worker) Resources() manifest.Manifest { return w.resources.Clone() }

// Shell 返回 shell key 列表副本。
func (w *Worker) Shell() []string { return append([]string(nil), w.shell...) }

// Partitions 返回分区名称。
func (w *Worker) Partitions() Partitions { return w.partitions }

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Claimed 表示 worker 已在激活末尾接管客户端。
func (w *Worker) Claimed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.claimed
}

// SkipWaitingRequested 表示是否已请求跳过等待。
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// LastActivation 返回最近一次激活报告。
func (w *Worker) LastActivation() *ActivationReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastActivation == nil {
		return nil
	}
	report := *w.lastActivation
	return &report
}

// SkipWaiting 标记 worker 可以立即激活。处于 installed（等待）状态时通知所属 Registration。
func (w *Worker) SkipWaiting(ctx context.Context) {
	w.mu.Lock()
	w.skipWaiting = true
	hook := w.onSkipWaiting
	waiting := w.state == StateInstalled
	w.mu.Unlock()

	w.logger.WithFields(logging.LifecycleFields("skip_waiting", w.id)).Debug("skip_waiting_requested")
	if hook != nil && waiting {
		hook(ctx, w)
	}
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) setSkipWaitingHook(hook func(context.Context, *Worker)) {
	w.mu.Lock()
	w.onSkipWaiting = hook
	w.mu.Unlock()
}

func (w *Worker) resourceURL(key string) string {
	return ResourceURL(w.origin, key)
}
