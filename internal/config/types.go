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

// MarshalText 输出 Go Duration 字符串，--print-config 时保持可读。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
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

// 支持的存储驱动。
const (
	StorageDriverFS      = "fs"
	StorageDriverLevelDB = "leveldb"
	StorageDriverSQLite  = "sqlite"
)

// APIMarker 是永远不进入缓存的 URL 片段，即便配置中遗漏也会强制补上。
const APIMarker = "/api/"

// DefaultCacheName 与 Web 客户端发布的缓存版本保持一致，升级版本号即可整体失效旧缓存。
const DefaultCacheName = "kitchen-assistant-v2"

// DefaultAssets 返回安装阶段预取的静态资源列表。
func DefaultAssets() []string {
	return []string{"/", "/index.html", "/config.js", "/manifest.json"}
}

// GlobalConfig 描述代理进程的运行时行为。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort" yaml:"listen_port"`
	LogLevel        string   `mapstructure:"LogLevel" yaml:"log_level"`
	LogFilePath     string   `mapstructure:"LogFilePath" yaml:"log_file_path"`
	LogMaxSize      int      `mapstructure:"LogMaxSize" yaml:"log_max_size"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups" yaml:"log_max_backups"`
	LogCompress     bool     `mapstructure:"LogCompress" yaml:"log_compress"`
	StorageDriver   string   `mapstructure:"StorageDriver" yaml:"storage_driver"`
	StoragePath     string   `mapstructure:"StoragePath" yaml:"storage_path"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout" yaml:"upstream_timeout"`
}

// WorkerConfig 决定离线缓存层拦截哪个源站、使用哪个缓存版本以及预取哪些资源。
type WorkerConfig struct {
	Origin        string   `mapstructure:"Origin" yaml:"origin"`
	CacheName     string   `mapstructure:"CacheName" yaml:"cache_name"`
	Assets        []string `mapstructure:"Assets" yaml:"assets"`
	BypassMarkers []string `mapstructure:"BypassMarkers" yaml:"bypass_markers"`
}

// ClientConfig 是 Web 客户端启动时读取的设置对象，缓存核心从不读取它。
type ClientConfig struct {
	BackendURL          string          `mapstructure:"BackendURL" env:"KITCHEN_BACKEND_URL" yaml:"backend_url"`
	TimerUpdateInterval int             `mapstructure:"TimerUpdateInterval" env:"KITCHEN_TIMER_UPDATE_INTERVAL" yaml:"timer_update_interval"`
	Features            map[string]bool `mapstructure:"Features" env:"KITCHEN_FEATURES" yaml:"features"`
}

// APIBaseURL 由 BackendURL 派生，不单独配置。
func (c ClientConfig) APIBaseURL() string {
	return strings.TrimRight(c.BackendURL, "/") + "/api"
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash" yaml:"global"`
	Worker WorkerConfig `mapstructure:",squash" yaml:"worker"`
	Client ClientConfig `mapstructure:"Client" yaml:"client"`
}

// IsBypassed 判断 URL 是否命中任一绕过片段。
func (w WorkerConfig) IsBypassed(rawURL string) bool {
	for _, marker := range w.BypassMarkers {
		if marker != "" && strings.Contains(rawURL, marker) {
			return true
		}
	}
	return false
}
