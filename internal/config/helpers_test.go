package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixtureConfig 返回 testdata 中的样例配置路径。
func fixtureConfig(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join("testdata", name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("样例配置 %s 不可用: %v", name, err)
	}
	return path
}

// writeConfig 写入临时配置文件，并屏蔽宿主环境中已有的 SHELLCACHE_* 覆盖项，
// 需要覆盖的测试在调用之后自行 t.Setenv。
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	for _, entry := range os.Environ() {
		key, _, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(key, EnvPrefix+"_") {
			t.Setenv(key, "")
		}
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
