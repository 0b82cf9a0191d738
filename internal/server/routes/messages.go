package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/server"
)

// RegisterMessageRoutes 暴露宿主消息通道 POST /-/scopes/:name/messages。
// 请求体为纯文本命令；命令在后台执行，接口立即返回 202，结果只写日志。
func RegisterMessageRoutes(router fiber.Router, registry *server.ScopeRegistry, logger *logrus.Logger) {
	if router == nil || registry == nil || logger == nil {
		return
	}

	router.Post("/scopes/:name/messages", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		command, err := lifecycle.ParseCommand(strings.Trim(strings.TrimSpace(string(c.Body())), `"`))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_command"})
		}
		target := route.MessageTarget()
		if target == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
		}

		requestID := server.RequestID(c)
		go dispatchMessage(route, target, command, requestID, logger)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"scope":   route.Config.Name,
			"command": string(command),
			"version": target.Version(),
		})
	})
}

func dispatchMessage(route *server.ScopeRoute, target *lifecycle.Controller, command lifecycle.Command, requestID string, logger *logrus.Logger) {
	err := target.HandleMessage(context.Background(), string(command))
	route.Adopt(target)

	fields := logrus.Fields{
		"action":     "message",
		"scope":      route.Config.Name,
		"command":    string(command),
		"version":    target.Version(),
		"state":      string(target.State()),
		"request_id": requestID,
	}
	if err != nil {
		if kind := lifecycle.KindOf(err); kind != "" {
			fields["error_kind"] = string(kind)
		}
		logger.WithFields(fields).WithError(err).Warn("message_failed")
		return
	}
	logger.WithFields(fields).Info("message_handled")
}
