package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kitchen-assistant/kitchen-cache/internal/config"
	"github.com/kitchen-assistant/kitchen-cache/internal/proxy"
)

// Lifecycle 是诊断接口依赖的 Worker 能力，测试中可替换。
type Lifecycle interface {
	Start(ctx context.Context) error
	Status(ctx context.Context) (proxy.Status, error)
}

// RegisterDiagnosticsRoutes 暴露 /-/status 与 /-/install，供运维查看缓存版本并触发重新安装。
func RegisterDiagnosticsRoutes(app *fiber.App, worker Lifecycle, logger *logrus.Logger) {
	if app == nil || worker == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := worker.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "status_unavailable", "detail": err.Error()})
		}
		return c.JSON(status)
	})

	app.Post("/-/install", func(c fiber.Ctx) error {
		err := worker.Start(c.Context())
		status, statusErr := worker.Status(c.Context())
		if statusErr != nil && logger != nil {
			logger.WithError(statusErr).WithField("action", "install").Warn("status_unavailable")
		}
		if err != nil {
			code := "install_failed"
			if errors.Is(err, proxy.ErrNoActiveVersion) {
				code = "no_active_version"
			}
			return c.Status(fiber.StatusBadGateway).
				JSON(fiber.Map{"error": code, "detail": err.Error(), "status": status})
		}
		return c.JSON(status)
	})
}

// RegisterClientConfigRoutes 暴露 Web 客户端设置：/-/config 返回 JSON，/-/config.js 返回 CONFIG 脚本。
func RegisterClientConfigRoutes(app *fiber.App, client config.ClientConfig) {
	if app == nil {
		return
	}
	payload := encodeClientConfig(client)

	app.Get("/-/config", func(c fiber.Ctx) error {
		return c.JSON(payload)
	})

	script, err := renderConfigScript(payload)
	app.Get("/-/config.js", func(c fiber.Ctx) error {
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "config_render_failed"})
		}
		c.Set(fiber.HeaderContentType, "application/javascript; charset=utf-8")
		return c.SendString(script)
	})
}

type clientConfigPayload struct {
	BackendURL          string          `json:"BACKEND_URL"`
	APIBaseURL          string          `json:"API_BASE_URL"`
	TimerUpdateInterval int             `json:"TIMER_UPDATE_INTERVAL"`
	Features            map[string]bool `json:"FEATURES"`
}

func encodeClientConfig(client config.ClientConfig) clientConfigPayload {
	features := make(map[string]bool, len(client.Features))
	for key, enabled := range client.Features {
		features[key] = enabled
	}
	return clientConfigPayload{
		BackendURL:          client.BackendURL,
		APIBaseURL:          client.APIBaseURL(),
		TimerUpdateInterval: client.TimerUpdateInterval,
		Features:            features,
	}
}

// renderConfigScript 输出与客户端 config.js 相同结构的脚本，API_BASE_URL 仍在脚本中派生。
func renderConfigScript(payload clientConfigPayload) (string, error) {
	object := struct {
		BackendURL          string          `json:"BACKEND_URL"`
		TimerUpdateInterval int             `json:"TIMER_UPDATE_INTERVAL"`
		Features            map[string]bool `json:"FEATURES"`
	}{
		BackendURL:          payload.BackendURL,
		TimerUpdateInterval: payload.TimerUpdateInterval,
		Features:            payload.Features,
	}
	encoded, err := json.MarshalIndent(object, "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode client config: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "const CONFIG = %s;\n\n", encoded)
	b.WriteString("CONFIG.API_BASE_URL = CONFIG.BACKEND_URL.replace(/\\/+$/, '') + '/api';\n\n")
	b.WriteString("if (typeof module !== 'undefined' && module.exports) {\n")
	b.WriteString("    module.exports = CONFIG;\n")
	b.WriteString("}\n")
	return b.String(), nil
}
