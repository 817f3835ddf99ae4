package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/server"
)

// Guard 包装 RequestHandler：handler 缺失或 panic 时返回结构化 500，而不是中断连接。
type Guard struct {
	handler server.RequestHandler
	logger  *logrus.Logger
}

// NewGuard 创建 Guard；handler 可以为空，此时所有请求返回 handler_missing。
func NewGuard(handler server.RequestHandler, logger *logrus.Logger) *Guard {
	return &Guard{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.RequestHandler。
func (g *Guard) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	if g.handler == nil {
		g.logError(c, "handler_missing", nil, requestID)
		setRequestIDHeader(c, requestID)
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "handler_missing"})
	}
	return g.invoke(c, requestID)
}

func (g *Guard) invoke(c fiber.Ctx, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logError(c, "handler_panic", fmt.Errorf("panic: %v", r), requestID)
			setRequestIDHeader(c, requestID)
			err = c.Status(fiber.StatusInternalServerError).
				JSON(fiber.Map{"error": "handler_panic"})
		}
	}()
	return g.handler.Handle(c)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (g *Guard) logError(c fiber.Ctx, code string, err error, requestID string) {
	if g.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"method": c.Method(),
		"path":   c.Path(),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		g.logger.WithFields(fields).Error(err.Error())
		return
	}
	g.logger.WithFields(fields).Error("request handler unavailable")
}
