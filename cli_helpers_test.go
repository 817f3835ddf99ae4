package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 收集 run 写到 stdout/stderr 的内容。
type cliOutput struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// captureCLIOutput 在测试期间把 stdOut/stdErr 换成内存缓冲，结束后还原。
func captureCLIOutput(t *testing.T) *cliOutput {
	t.Helper()
	out := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &out.stdout, &out.stderr
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return out
}

// configFixture 返回 internal/config/testdata 中样例文件的绝对路径。
// go test 以包目录为工作目录，main 包即模块根。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("internal", "config", "testdata", name))
	if err != nil {
		t.Fatalf("解析样例路径失败: %v", err)
	}
	return path
}

// writeConfigFile 把配置写入临时目录并返回路径。
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
