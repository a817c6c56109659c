package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 TOML 片段写入临时目录，返回可直接交给 Load 的路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// validConfig 返回一份已填充默认值、可以通过 Validate 的配置。
func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StorageDriver:   StorageDriverFS,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(30 * time.Second),
		},
		Worker: WorkerConfig{
			Origin:        "http://127.0.0.1:8080",
			CacheName:     DefaultCacheName,
			Assets:        DefaultAssets(),
			BypassMarkers: []string{APIMarker},
		},
		Client: ClientConfig{
			BackendURL:          "http://localhost:5000",
			TimerUpdateInterval: 1000,
		},
	}
}
