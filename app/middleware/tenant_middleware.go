// Package middleware contains HTTP middleware functions for request processing
package middleware

import (
	"strconv"
	"strings"

	"github.com/amirphl/Mizuchi/app/dto"
	"github.com/amirphl/Mizuchi/utils"
	"github.com/gofiber/fiber/v3"
)

// Locals keys set by TenantMiddleware
const (
	TenantIDLocal = "tenant_id"
	ActorLocal    = "actor"
)

// TenantMiddleware resolves the calling tenant and actor from request headers.
// Authentication happens at the edge; this service trusts the gateway-injected headers.
type TenantMiddleware struct {
	tenantHeader string
	actorHeader  string
}

func NewTenantMiddleware() *TenantMiddleware {
	return &TenantMiddleware{
		tenantHeader: utils.TenantIDKey,
		actorHeader:  utils.ActorKey,
	}
}

// RequireTenant rejects requests without a numeric tenant id
func (m *TenantMiddleware) RequireTenant() fiber.Handler {
	return func(c fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(m.tenantHeader))
		if raw == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
				Success: false,
				Message: "Tenant header is required",
				Error: dto.ErrorDetail{
					Code: "MISSING_TENANT_ID",
				},
			})
		}

		tenantID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || tenantID == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
				Success: false,
				Message: "Tenant header must be a positive integer",
				Error: dto.ErrorDetail{
					Code: "INVALID_TENANT_ID",
				},
			})
		}

		actor := strings.TrimSpace(c.Get(m.actorHeader))
		if actor == "" {
			actor = "tenant:" + raw
		}

		c.Locals(TenantIDLocal, uint(tenantID))
		c.Locals(ActorLocal, actor)
		return c.Next()
	}
}

// GetTenantID returns the tenant resolved by RequireTenant
func GetTenantID(c fiber.Ctx) (uint, bool) {
	id, ok := c.Locals(TenantIDLocal).(uint)
	return id, ok && id != 0
}

// GetActor returns the actor resolved by RequireTenant
func GetActor(c fiber.Ctx) string {
	if actor, ok := c.Locals(ActorLocal).(string); ok && actor != "" {
		return actor
	}
	return utils.SystemActor
}
