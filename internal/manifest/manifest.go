package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// RootKey 是入口文档在清单中的键。
const RootKey = "/"

var (
	// ErrEmptyManifest 表示清单中没有任何资源。
	ErrEmptyManifest = errors.New("resource manifest is empty")
	// ErrUnknownShellKey 表示 shell 列表引用了清单之外的资源。
	ErrUnknownShellKey = errors.New("shell key not present in manifest")
)

// Manifest 将资源 key 映射到内容指纹；每次部署整体替换，不做增量修改。
type Manifest map[string]string

// Fingerprint 返回 key 对应的指纹以及是否存在。
func (m Manifest) Fingerprint(key string) (string, bool) {
	hash, ok := m[key]
	return hash, ok
}

// Has 判断 key 是否属于清单。空指纹视为不存在，与 `!RESOURCES[key]` 的判定保持一致。
func (m Manifest) Has(key string) bool {
	hash, ok := m[key]
	return ok && hash != ""
}

// Keys 返回排序后的全部 key，保证日志与下载顺序稳定。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Equal 判断两个清单是否逐项相同。
func (m Manifest) Equal(other Manifest) bool {
	if len(m) != len(other) {
		return false
	}
	for key, hash := range m {
		if otherHash, ok := other[key]; !ok || otherHash != hash {
			return false
		}
	}
	return true
}

// Clone 返回独立副本，避免调用方修改共享清单。
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for key, hash := range m {
		out[key] = hash
	}
	return out
}

// Encode 将清单序列化为 JSON，作为 MANIFEST 分区中唯一条目的正文。
func (m Manifest) Encode() ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	return json.Marshal(map[string]string(m))
}

// Decode 解析 MANIFEST 分区中持久化的清单；格式错误时返回 error，由调用方触发重置。
func Decode(data []byte) (Manifest, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("stored manifest is empty")
	}
	var out map[string]string
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, fmt.Errorf("decode stored manifest: %w", err)
	}
	if out == nil {
		return nil, errors.New("stored manifest is null")
	}
	return Manifest(out), nil
}

// Bundle 组合一次部署的资源清单与 shell 列表。
type Bundle struct {
	Resources Manifest `json:"resources"`
	Shell     []string `json:"shell"`
}

// Validate 校验清单非空、shell 条目全部属于清单。
func (b Bundle) Validate() error {
	if len(b.Resources) == 0 {
		return ErrEmptyManifest
	}
	for key, hash := range b.Resources {
		if strings.TrimSpace(key) == "" {
			return errors.New("resource key must not be empty")
		}
		if hash == "" {
			return fmt.Errorf("resource %q has an empty fingerprint", key)
		}
	}
	for _, key := range b.Shell {
		if !b.Resources.Has(key) {
			return fmt.Errorf("%w: %s", ErrUnknownShellKey, key)
		}
	}
	return nil
}

// WithShell 在 shell 非空时返回替换了 shell 列表的副本。
func (b Bundle) WithShell(shell []string) Bundle {
	if len(shell) == 0 {
		return b
	}
	b.Shell = append([]string(nil), shell...)
	return b
}

// Parse 解析清单文件内容。支持两种格式：
//
//	{"resources": {"index.html": "<hash>"}, "shell": ["index.html"]}
//	{"index.html": "<hash>", "main.dart.js": "<hash>"}
//
// 后者只有资源映射，shell 列表需要由配置提供。
func Parse(data []byte) (Bundle, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Bundle{}, fmt.Errorf("parse manifest: %w", err)
	}

	if raw, ok := fields["resources"]; ok && isJSONObject(raw) {
		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return Bundle{}, fmt.Errorf("parse manifest bundle: %w", err)
		}
		return bundle, nil
	}

	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return Bundle{}, fmt.Errorf("parse flat manifest: %w", err)
	}
	return Bundle{Resources: Manifest(flat)}, nil
}

// LoadFile 读取并解析清单文件，shellOverride 非空时覆盖文件中的 shell 列表。
func LoadFile(path string, shellOverride []string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read manifest file: %w", err)
	}
	bundle, err := Parse(data)
	if err != nil {
		return Bundle{}, err
	}
	bundle = bundle.WithShell(shellOverride)
	if err := bundle.Validate(); err != nil {
		return Bundle{}, err
	}
	return bundle, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
