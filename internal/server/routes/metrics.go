package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/offline-hub/internal/metrics"
)

// RegisterMetricsRoute 以 Prometheus 文本格式暴露 /-/metrics。
func RegisterMetricsRoute(router fiber.Router, m *metrics.Metrics) {
	if router == nil || m == nil {
		return
	}
	router.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
}
