package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedBackends = map[string]struct{}{
	BackendFS:     {},
	BackendMemory: {},
	BackendS3:     {},
}

const supportedBackendList = "fs|memory|s3"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.StorageBackend == BackendFS && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency < 1 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if err := validateOrigin(c.App.Origin); err != nil {
		return fmt.Errorf("App.Origin: %w", err)
	}
	if strings.TrimSpace(c.App.ManifestPath) == "" {
		return newFieldError("App.ManifestPath", "不能为空")
	}
	if err := validatePartitionNames(c.App); err != nil {
		return err
	}

	if g.StorageBackend == BackendS3 {
		if err := c.S3.validate(); err != nil {
			return err
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不允许包含 query/fragment: %s", raw)
	}
	return nil
}

func validatePartitionNames(app AppConfig) error {
	names := map[string]string{
		"App.ManifestCache": app.ManifestCache,
		"App.TempCache":     app.TempCache,
		"App.ContentCache":  app.ContentCache,
	}
	seen := map[string]string{}
	for _, field := range []string{"App.ManifestCache", "App.TempCache", "App.ContentCache"} {
		name := names[field]
		if name == "" {
			return newFieldError(field, "不能为空")
		}
		if strings.ContainsAny(name, `/\ `) || name == "." || name == ".." {
			return newFieldError(field, "只能包含文件名安全字符")
		}
		if prior, exists := seen[name]; exists {
			return newFieldError(field, "与 "+prior+" 重复")
		}
		seen[name] = field
	}
	return nil
}

func (s S3Config) validate() error {
	if strings.TrimSpace(s.Endpoint) == "" {
		return newFieldError("S3.Endpoint", "不能为空")
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return newFieldError("S3.Bucket", "不能为空")
	}
	if (s.AccessKey == "") != (s.SecretKey == "") {
		return newFieldError("S3.AccessKey/SecretKey", "必须同时提供或同时留空")
	}
	return nil
}
