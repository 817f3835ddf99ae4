package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 SHELLCACHE_LISTENPORT。
const EnvPrefix = "SHELLCACHE"

// 默认分区名沿用 Flutter 生成脚本中的命名。
const (
	DefaultManifestCache = "flutter-app-manifest"
	DefaultTempCache     = "flutter-temp-cache"
	DefaultContentCache  = "flutter-app-cache"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(&cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageBackend == BackendFS {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	// 清单路径相对配置文件所在目录解析，便于与构建产物放在一起部署。
	if !filepath.IsAbs(cfg.App.ManifestPath) {
		cfg.App.ManifestPath = filepath.Join(filepath.Dir(path), cfg.App.ManifestPath)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", BackendFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("Origin", "")
	v.SetDefault("ManifestPath", "")
	v.SetDefault("ManifestCache", DefaultManifestCache)
	v.SetDefault("TempCache", DefaultTempCache)
	v.SetDefault("ContentCache", DefaultContentCache)
	v.SetDefault("AutoSkipWaiting", true)
	// 注册 S3 字段，AutomaticEnv 只能覆盖已知键。
	v.SetDefault("S3.Endpoint", "")
	v.SetDefault("S3.Bucket", "")
	v.SetDefault("S3.Prefix", "")
	v.SetDefault("S3.AccessKey", "")
	v.SetDefault("S3.SecretKey", "")
	v.SetDefault("S3.Region", "")
	v.SetDefault("S3.UseSSL", false)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = BackendFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	if a.ManifestCache == "" {
		a.ManifestCache = DefaultManifestCache
	}
	if a.TempCache == "" {
		a.TempCache = DefaultTempCache
	}
	if a.ContentCache == "" {
		a.ContentCache = DefaultContentCache
	}
	shell := a.Shell[:0]
	for _, key := range a.Shell {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			shell = append(shell, trimmed)
		}
	}
	a.Shell = shell
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
