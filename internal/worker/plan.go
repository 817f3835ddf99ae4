package worker

import (
	"fmt"
	"sort"

	"github.com/any-hub/shellcache/internal/manifest"
)

// ActivationState 区分激活时的三种处境。
type ActivationState int

const (
	// FreshInstall 表示没有历史清单（首次安装或缓存被重置）。
	FreshInstall ActivationState = iota
	// Upgrade 表示存在历史清单，按指纹差异保留未变化的资源。
	Upgrade
	// Failed 表示激活过程出错，三个分区已被整体重置。
	Failed
)

func (s ActivationState) String() string {
	switch s {
	case FreshInstall:
		return "fresh-install"
	case Upgrade:
		return "upgrade"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText 让 JSON 诊断输出使用可读名称。
func (s ActivationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析 MarshalText 的输出。
func (s *ActivationState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "fresh-install":
		*s = FreshInstall
	case "upgrade":
		*s = Upgrade
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("unknown activation state %q", text)
	}
	return nil
}

// ActionKind 枚举激活计划中的操作。
type ActionKind string

const (
	ActionResetContent    ActionKind = "reset-content"
	ActionEvict           ActionKind = "evict"
	ActionCopy            ActionKind = "copy"
	ActionDropTemp        ActionKind = "drop-temp"
	ActionPersistManifest ActionKind = "persist-manifest"
	ActionClaim           ActionKind = "claim"
)

// 淘汰原因。
const (
	ReasonRemoved = "removed"
	ReasonChanged = "changed"
)

// Action 是计划中的单个步骤；URL 仅对 evict/copy 有意义。
type Action struct {
	Kind   ActionKind `json:"kind"`
	URL    string     `json:"url,omitempty"`
	Key    string     `json:"key,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// ActivationPlan 是 PlanActivation 的输出，执行器按 Actions 顺序执行。
type ActivationPlan struct {
	State   ActivationState `json:"state"`
	Actions []Action        `json:"actions"`
}

// Keys 返回指定类型操作涉及的清单 key，按计划顺序排列。
func (p ActivationPlan) Keys(kind ActionKind) []string {
	var keys []string
	for _, action := range p.Actions {
		if action.Kind == kind {
			keys = append(keys, action.Key)
		}
	}
	return keys
}

// PlanActivation 是激活状态机的纯转移函数。
//
// prior 为 nil 表示没有历史清单：重建 CONTENT 并复制全部 TEMP 条目。
// 否则对 CONTENT 中每个条目，若其 key 不在 next 中或 next 与 prior 的指纹不同则淘汰；
// 随后复制全部 TEMP 条目（可能覆盖保留下来的条目）。两条路径都以
// drop-temp、persist-manifest、claim 结束。
func PlanActivation(origin string, prior, next manifest.Manifest, contentURLs, tempURLs []string) ActivationPlan {
	plan := ActivationPlan{State: Upgrade}
	if prior == nil {
		plan.State = FreshInstall
		plan.Actions = append(plan.Actions, Action{Kind: ActionResetContent})
	} else {
		for _, url := range sortedCopy(contentURLs) {
			key := ResourceKey(origin, url)
			switch {
			case !next.Has(key):
				plan.Actions = append(plan.Actions, Action{Kind: ActionEvict, URL: url, Key: key, Reason: ReasonRemoved})
			case next[key] != prior[key]:
				plan.Actions = append(plan.Actions, Action{Kind: ActionEvict, URL: url, Key: key, Reason: ReasonChanged})
			}
		}
	}

	for _, url := range sortedCopy(tempURLs) {
		plan.Actions = append(plan.Actions, Action{Kind: ActionCopy, URL: url, Key: ResourceKey(origin, url)})
	}
	plan.Actions = append(plan.Actions,
		Action{Kind: ActionDropTemp},
		Action{Kind: ActionPersistManifest},
		Action{Kind: ActionClaim},
	)
	return plan
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
