package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

// Forwarder 包装拦截器：Scope 尚无 worker 时请求由拦截器按透传处理，
// 拦截器 panic 转换为 500 响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 不能为空。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	requestID := server.RequestID(c)
	if f.handler == nil || route == nil {
		return f.respondUnavailable(c, route, requestID)
	}
	return f.invokeHandler(c, route, requestID)
}

func (f *Forwarder) respondUnavailable(c fiber.Ctx, route *server.ScopeRoute, requestID string) error {
	f.logError(route, "worker_unavailable", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "worker_unavailable"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.ScopeRoute, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Handle(c, route)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.ScopeRoute, recovered interface{}, requestID string) error {
	f.logError(route, "interceptor_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "interceptor_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(route *server.ScopeRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "intercept"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("no interceptor configured for scope")
}

func routeFields(route *server.ScopeRoute, requestID string) logrus.Fields {
	fields := logrus.Fields{"scope": "", "domain": "", "cache_hit": false}
	if route != nil {
		fields = logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", false)
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
