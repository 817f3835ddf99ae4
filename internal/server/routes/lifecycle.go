package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/worker"
)

// ReloadFunc 重新读取清单并注册新的 worker 世代。
type ReloadFunc func(ctx context.Context) (*worker.Worker, error)

// RegisterLifecycleRoutes 暴露 /-/status、/-/message、/-/reload 诊断与控制接口。
// reload 为空时不注册 /-/reload。
func RegisterLifecycleRoutes(app *fiber.App, registration *worker.Registration, reload ReloadFunc, logger *logrus.Logger) {
	if app == nil || registration == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}

	app.Get(server.DiagnosticsPrefix+"status", func(c fiber.Ctx) error {
		return c.JSON(registration.Status())
	})

	app.Post(server.DiagnosticsPrefix+"message", func(c fiber.Ctx) error {
		command, err := parseCommand(c.Body())
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if command == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "command_required"})
		}

		result, err := registration.PostMessage(requestContext(c), command)
		fields := logging.LifecycleFields("message", "")
		fields["command"] = command
		fields["request_id"] = server.RequestID(c)
		switch {
		case errors.Is(err, worker.ErrNoWorker):
			logger.WithFields(fields).Warn("message_rejected")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no_worker"})
		case err != nil:
			fields["error"] = err.Error()
			logger.WithFields(fields).Error("message_failed")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
		case !result.Handled:
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"command": command, "status": "ignored"})
		}
		logger.WithFields(fields).Info("message_handled")
		return c.JSON(result)
	})

	if reload == nil {
		return
	}
	app.Post(server.DiagnosticsPrefix+"reload", func(c fiber.Ctx) error {
		w, err := reload(requestContext(c))
		if err != nil {
			fields := logging.LifecycleFields("reload", "")
			fields["error"] = err.Error()
			fields["request_id"] = server.RequestID(c)
			logger.WithFields(fields).Error("reload_failed")
			code := "reload_failed"
			status := fiber.StatusInternalServerError
			if errors.Is(err, worker.ErrInstallFailed) {
				code = "install_failed"
				status = fiber.StatusBadGateway
			}
			return c.Status(status).JSON(fiber.Map{"error": code})
		}
		return c.JSON(fiber.Map{
			"generation": w.ID(),
			"state":      w.State(),
			"activation": w.LastActivation(),
		})
	})
}

// parseCommand 接受原始字符串、JSON 字符串或 {"command": "..."}。
func parseCommand(body []byte) (string, error) {
	raw := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(raw, "{"):
		var payload struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return "", err
		}
		return strings.TrimSpace(payload.Command), nil
	case strings.HasPrefix(raw, `"`):
		var command string
		if err := json.Unmarshal([]byte(raw), &command); err != nil {
			return "", err
		}
		return strings.TrimSpace(command), nil
	default:
		return raw, nil
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
