package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for proxying requests to
// the scope origin. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *ScopeRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *ScopeRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *ScopeRoute) error {
	return f(c, route)
}

// AppOptions 描述监听端口上的 Fiber 应用：Scope 注册表、拦截器与诊断接口。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *ScopeRegistry
	Proxy      ProxyHandler
	ListenPort int
	// Diagnostics 在 DiagnosticsPrefix 分组下注册诊断接口，可为空。
	Diagnostics func(fiber.Router)
}

// DiagnosticsPrefix 下的路径不参与 Host 路由，也不会被拦截器处理。
const DiagnosticsPrefix = "/-"

const (
	contextKeyRoute     = "_offlinehub_route"
	contextKeyRequestID = "_offlinehub_request_id"

	headerScope      = "X-Offline-Hub-Scope"
	headerHostLookup = "X-Offline-Hub-Host"
)

// NewApp 构建 Fiber 应用：生成请求 ID，诊断分组先于拦截器匹配，
// 其余请求按 Host 找到 ScopeRoute 后交给拦截器。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("scope registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware)

	diagnostics := app.Group(DiagnosticsPrefix)
	if opts.Diagnostics != nil {
		opts.Diagnostics(diagnostics)
	}
	diagnostics.All("/*", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "diagnostics_not_found"})
	})

	app.All("/*", scopeMiddleware(opts), func(c fiber.Ctx) error {
		route, _ := ScopeFromContext(c)
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

func requestIDMiddleware(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(contextKeyRequestID, reqID)
	c.Set("X-Request-ID", reqID)
	return c.Next()
}

// scopeMiddleware 基于 Host/Host:port 查找 ScopeRoute，找不到时直接返回 host_unmapped。
func scopeMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
		}

		c.Locals(contextKeyRoute, route)
		c.Set(headerScope, route.Config.Name)
		return c.Next()
	}
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host unmapped")

	if host != "" {
		c.Set(headerHostLookup, host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// ScopeFromContext 返回路由中间件匹配到的 ScopeRoute。
func ScopeFromContext(c fiber.Ctx) (*ScopeRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*ScopeRoute)
	return route, ok && route != nil
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
