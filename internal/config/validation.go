package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:      {},
	StorageDriverLevelDB: {},
	StorageDriverSQLite:  {},
}

const supportedStorageDriverList = "fs|leveldb|sqlite"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	w := c.Worker
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if w.CacheName == "" {
		return newFieldError("Worker.CacheName", "不能为空")
	}
	if strings.ContainsAny(w.CacheName, `/\`) || strings.HasPrefix(w.CacheName, ".") {
		return newFieldError("Worker.CacheName", "不允许包含路径分隔符或以 . 开头")
	}
	if len(w.Assets) == 0 {
		return newFieldError("Worker.Assets", "至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(w.Assets))
	for i, asset := range w.Assets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(assetField(i), "必须是以 / 开头的根相对路径")
		}
		if _, dup := seen[asset]; dup {
			return newFieldError(assetField(i), "重复")
		}
		seen[asset] = struct{}{}
	}

	if c.Client.BackendURL != "" {
		if err := validateOrigin(c.Client.BackendURL); err != nil {
			return fmt.Errorf("Client.BackendURL: %w", err)
		}
	}
	if c.Client.TimerUpdateInterval < 0 {
		return newFieldError("Client.TimerUpdateInterval", "不能为负数")
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
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
