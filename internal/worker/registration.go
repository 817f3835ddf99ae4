package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
)

// ErrNoWorker 表示 Registration 中尚无可用 worker。
var ErrNoWorker = errors.New("no worker registered")

// Registration 管理同一作用域下的 installing/waiting/active 三个世代。
// lifecycle 串行化安装与激活；mu 仅保护指针字段，调用 worker 方法时不持有。
type Registration struct {
	logger    *logrus.Logger
	lifecycle sync.Mutex

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// Status 是 Registration 的快照。
type Status struct {
	Active     *WorkerStatus `json:"active,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Installing *WorkerStatus `json:"installing,omitempty"`
}

// WorkerStatus 描述单个世代。
type WorkerStatus struct {
	Generation     string            `json:"generation"`
	State          State             `json:"state"`
	Resources      int               `json:"resources"`
	Shell          []string          `json:"shell"`
	Partitions     Partitions        `json:"partitions"`
	SkipWaiting    bool              `json:"skip_waiting"`
	Claimed        bool              `json:"claimed"`
	LastActivation *ActivationReport `json:"last_activation,omitempty"`
}

// NewRegistration 创建空 Registration。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registration{logger: logger}
}

// Register 安装新世代。没有 active worker 或已请求 skipWaiting 时立即激活，
// 否则进入 waiting（替换之前的 waiting 世代）。
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w.setSkipWaitingHook(r.promote)
	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	err := w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		return err
	}
	previousWaiting := r.waiting
	r.waiting = w
	activateNow := r.active == nil || w.SkipWaitingRequested()
	r.mu.Unlock()

	if previousWaiting != nil && previousWaiting != w {
		previousWaiting.setState(StateRedundant)
	}
	if activateNow {
		r.activateLocked(ctx, w)
		return nil
	}
	r.logger.WithFields(logging.LifecycleFields("register", w.ID())).Info("worker_waiting")
	return nil
}

// promote 在等待中的 worker 收到 skipWaiting 后触发激活。
func (r *Registration) promote(ctx context.Context, w *Worker) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.RLock()
	isWaiting := r.waiting == w
	r.mu.RUnlock()
	if isWaiting {
		r.activateLocked(ctx, w)
	}
}

// activateLocked 需在持有 lifecycle 锁时调用。
func (r *Registration) activateLocked(ctx context.Context, w *Worker) {
	report := w.Activate(ctx)

	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
	}
	fields := logging.LifecycleFields("register", w.ID())
	fields["activation_state"] = report.State.String()
	if previous != nil {
		fields["replaced"] = previous.ID()
	}
	r.logger.WithFields(fields).Info("clients_claimed")
}

// Active 返回当前负责 fetch 的 worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回等待激活的 worker，可能为 nil。
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// PostMessage 把控制消息投递给 waiting 世代，没有 waiting 时投递给 active。
func (r *Registration) PostMessage(ctx context.Context, command string) (MessageResult, error) {
	r.mu.RLock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.RUnlock()

	if target == nil {
		return MessageResult{Command: command}, ErrNoWorker
	}
	return target.HandleMessage(ctx, command)
}

// Status 返回当前快照。
func (r *Registration) Status() Status {
	r.mu.RLock()
	active, waiting, installing := r.active, r.waiting, r.installing
	r.mu.RUnlock()
	return Status{
		Active:     statusOf(active),
		Waiting:    statusOf(waiting),
		Installing: statusOf(installing),
	}
}

func statusOf(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		Generation:     w.ID(),
		State:          w.State(),
		Resources:      len(w.resources),
		Shell:          w.Shell(),
		Partitions:     w.Partitions(),
		SkipWaiting:    w.SkipWaitingRequested(),
		Claimed:        w.Claimed(),
		LastActivation: w.LastActivation(),
	}
}
