package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/checker"
	"github.com/any-hub/offline-hub/internal/server"
)

// RegisterResourceRoutes 暴露 GET /-/scopes/:name/resources，返回清单资源可用性报告。
// ?refresh=1 丢弃缓存的报告重新检查。
func RegisterResourceRoutes(router fiber.Router, registry *server.ScopeRegistry, chk *checker.Checker) {
	if router == nil || registry == nil || chk == nil {
		return
	}

	router.Get("/scopes/:name/resources", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		worker := route.MessageTarget()
		if worker == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
		}
		if c.Query("refresh") != "" {
			chk.Invalidate(route.Config.Name)
		}
		report, cached := chk.ManifestReport(c.Context(), route.Config.Name, route.Origin, worker.Manifest())
		return c.JSON(fiber.Map{
			"cached": cached,
			"report": report,
		})
	})
}
