package config

import "testing"

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"
UpstreamTimeout = 45
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.UpstreamTimeout.DurationValue().Seconds(); got != 45 {
		t.Fatalf("纯数字应按秒解析，得到 %v", got)
	}
}

func TestLoadClientEnvOverrides(t *testing.T) {
	t.Setenv("KITCHEN_BACKEND_URL", "https://backend.example.com/")
	t.Setenv("KITCHEN_TIMER_UPDATE_INTERVAL", "250")
	t.Setenv("KITCHEN_FEATURES", "voice:false,search:true")

	loaded, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Client.BackendURL != "https://backend.example.com" {
		t.Fatalf("环境变量应覆盖 BackendURL，得到 %s", loaded.Client.BackendURL)
	}
	if loaded.Client.APIBaseURL() != "https://backend.example.com/api" {
		t.Fatalf("APIBaseURL 应随 BackendURL 变化，得到 %s", loaded.Client.APIBaseURL())
	}
	if loaded.Client.TimerUpdateInterval != 250 {
		t.Fatalf("TimerUpdateInterval 覆盖失败: %d", loaded.Client.TimerUpdateInterval)
	}
	if loaded.Client.Features["voice"] {
		t.Fatalf("voice 应被环境变量关闭")
	}
	if !loaded.Client.Features["music"] {
		t.Fatalf("环境变量整体替换 Features 后缺失项应回到默认开启")
	}
}

func TestLoadRejectsUnknownStorageDriver(t *testing.T) {
	cfg := `
StorageDriver = "memcache"
StoragePath = "./data"
Origin = "http://127.0.0.1:8080"
`
	if _, err := Load(writeTempConfig(t, cfg)); err == nil {
		t.Fatalf("未知存储驱动应失败")
	}
}
