package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DumpYAML 输出合并默认值与环境变量后的最终配置，供 --print-config 排查使用。
func DumpYAML(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	return out, nil
}
