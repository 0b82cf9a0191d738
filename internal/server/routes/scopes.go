package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/server"
)

// RegisterScopeRoutes 暴露 /-/scopes 诊断接口，供运维查询各 Scope 的生命周期与缓存状态。
func RegisterScopeRoutes(router fiber.Router, registry *server.ScopeRegistry) {
	if router == nil || registry == nil {
		return
	}

	router.Get("/scopes", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]scopePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeScope(c, route))
		}
		return c.JSON(fiber.Map{"scopes": payload})
	})

	router.Get("/scopes/:name", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
		}
		return c.JSON(encodeScope(c, route))
	})
}

type scopePayload struct {
	Name    string         `json:"name"`
	Domain  string         `json:"domain"`
	Origin  string         `json:"origin"`
	Port    int            `json:"port"`
	Regions regionsPayload `json:"regions"`
	Active  *workerPayload `json:"active,omitempty"`
	Pending *workerPayload `json:"pending,omitempty"`
}

type regionsPayload struct {
	Temp     string `json:"temp"`
	Content  string `json:"content"`
	Manifest string `json:"manifest"`
}

type workerPayload struct {
	Version   string            `json:"version"`
	State     string            `json:"state"`
	Record    *lifecycle.Record `json:"record,omitempty"`
	Resources int               `json:"resources"`
	Core      int               `json:"core"`
	Cached    int               `json:"cached"`
	Error     string            `json:"error,omitempty"`
}

func encodeScope(c fiber.Ctx, route *server.ScopeRoute) scopePayload {
	payload := scopePayload{
		Name:   route.Config.Name,
		Domain: route.Config.Domain,
		Origin: route.OriginURL.String(),
		Port:   route.ListenPort,
		Regions: regionsPayload{
			Temp:     route.Regions.Temp,
			Content:  route.Regions.Content,
			Manifest: route.Regions.Manifest,
		},
	}
	active := route.Worker()
	payload.Active = encodeWorker(c, active)
	if pending := route.MessageTarget(); pending != nil && pending != active {
		payload.Pending = encodeWorker(c, pending)
	}
	return payload
}

func encodeWorker(c fiber.Ctx, ctrl *lifecycle.Controller) *workerPayload {
	if ctrl == nil {
		return nil
	}
	m := ctrl.Manifest()
	payload := &workerPayload{
		Version:   ctrl.Version(),
		State:     string(ctrl.State()),
		Resources: m.Len(),
		Core:      len(m.Core()),
	}
	ctx := c.Context()
	if rec, err := ctrl.Record(ctx); err == nil {
		payload.Record = &rec
	} else {
		payload.Error = err.Error()
	}
	if keys, err := ctrl.Store().Keys(ctx, ctrl.Regions().Content); err == nil {
		payload.Cached = len(keys)
	}
	return payload
}
