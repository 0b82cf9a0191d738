package config

import (
	"fmt"
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

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// 默认的缓存区域名称，与生成的 Flutter service worker 保持一致，便于排查。
const (
	DefaultTempRegion     = "flutter-temp-cache"
	DefaultContentRegion  = "flutter-app-cache"
	DefaultManifestRegion = "flutter-app-manifest"
)

// GlobalConfig 描述全局运行时行为，所有 Scope 共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	OriginTimeout       Duration `mapstructure:"OriginTimeout"`
	DownloadConcurrency int      `mapstructure:"DownloadConcurrency"`
	ResourceCheckTTL    Duration `mapstructure:"ResourceCheckTTL"`
	WatchManifest       bool     `mapstructure:"WatchManifest"`
}

// ScopeConfig 对应一个 service worker 注册：一个域名、一份资源清单、三块缓存区域。
type ScopeConfig struct {
	Name           string   `mapstructure:"Name"`
	Domain         string   `mapstructure:"Domain"`
	Origin         string   `mapstructure:"Origin"`
	Proxy          string   `mapstructure:"Proxy"`
	Manifest       string   `mapstructure:"Manifest"`
	RoutePrefixes  []string `mapstructure:"RoutePrefixes"`
	AutoActivate   *bool    `mapstructure:"AutoActivate"`
	TempRegion     string   `mapstructure:"TempRegion"`
	ContentRegion  string   `mapstructure:"ContentRegion"`
	ManifestRegion string   `mapstructure:"ManifestRegion"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Scopes []ScopeConfig `mapstructure:"Scope"`
}

// ShouldAutoActivate 返回安装完成后是否立即激活（等价于 install 阶段调用 skipWaiting）。
func (s ScopeConfig) ShouldAutoActivate() bool {
	if s.AutoActivate == nil {
		return true
	}
	return *s.AutoActivate
}

// ScopeNames 返回所有 Scope 的名称摘要，供启动日志使用。
func ScopeNames(scopes []ScopeConfig) []string {
	if len(scopes) == 0 {
		return nil
	}
	result := make([]string, len(scopes))
	for i, scope := range scopes {
		result[i] = fmt.Sprintf("%s:%s", scope.Name, scope.Domain)
	}
	return result
}
