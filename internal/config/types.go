package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储后端。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志与缓存存储。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	StoragePath        string   `mapstructure:"StoragePath"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// AppConfig 描述被缓存的单个 Web 应用：源站、资源清单以及三个缓存分区名。
type AppConfig struct {
	Origin          string   `mapstructure:"Origin"`
	ManifestPath    string   `mapstructure:"ManifestPath"`
	Shell           []string `mapstructure:"Shell"`
	ManifestCache   string   `mapstructure:"ManifestCache"`
	TempCache       string   `mapstructure:"TempCache"`
	ContentCache    string   `mapstructure:"ContentCache"`
	AutoSkipWaiting bool     `mapstructure:"AutoSkipWaiting"`
}

// S3Config 仅在 StorageBackend = "s3" 时生效。
type S3Config struct {
	Endpoint  string `mapstructure:"Endpoint"`
	Bucket    string `mapstructure:"Bucket"`
	Prefix    string `mapstructure:"Prefix"`
	AccessKey string `mapstructure:"AccessKey"`
	SecretKey string `mapstructure:"SecretKey"`
	Region    string `mapstructure:"Region"`
	UseSSL    bool   `mapstructure:"UseSSL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:",squash"`
	S3     S3Config     `mapstructure:"S3"`
}

// OriginURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(strings.TrimRight(c.App.Origin, "/"))
	if err != nil {
		return nil
	}
	return parsed
}

// PartitionNames 返回 manifest/temp/content 三个分区名，供日志与诊断输出。
func (c *Config) PartitionNames() []string {
	return []string{c.App.ManifestCache, c.App.TempCache, c.App.ContentCache}
}
