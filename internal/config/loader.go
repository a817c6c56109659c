package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，叠加环境变量覆盖，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyClientEnv(&cfg.Client); err != nil {
		return nil, err
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	applyClientDefaults(&cfg.Client)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheName", DefaultCacheName)
	v.SetDefault("Assets", DefaultAssets())
	v.SetDefault("BypassMarkers", []string{APIMarker})
}

// applyClientEnv 允许通过 KITCHEN_* 环境变量选择后端地址，替代按环境复制配置文件。
func applyClientEnv(c *ClientConfig) error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("解析客户端环境变量失败: %w", err)
	}
	return nil
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
	w.CacheName = strings.TrimSpace(w.CacheName)
	if w.CacheName == "" {
		w.CacheName = DefaultCacheName
	}
	if len(w.Assets) == 0 {
		w.Assets = DefaultAssets()
	}
	for i, asset := range w.Assets {
		w.Assets[i] = strings.TrimSpace(asset)
	}

	markers := make([]string, 0, len(w.BypassMarkers)+1)
	hasAPI := false
	for _, marker := range w.BypassMarkers {
		marker = strings.TrimSpace(marker)
		if marker == "" {
			continue
		}
		if marker == APIMarker {
			hasAPI = true
		}
		markers = append(markers, marker)
	}
	if !hasAPI {
		markers = append([]string{APIMarker}, markers...)
	}
	w.BypassMarkers = markers
}

func applyClientDefaults(c *ClientConfig) {
	c.BackendURL = strings.TrimRight(strings.TrimSpace(c.BackendURL), "/")
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:5000"
	}
	if c.TimerUpdateInterval == 0 {
		c.TimerUpdateInterval = 1000
	}
	if c.Features == nil {
		c.Features = make(map[string]bool, 4)
	}
	for _, name := range []string{"voice", "music", "timers", "search"} {
		if _, ok := c.Features[name]; !ok {
			c.Features[name] = true
		}
	}
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
