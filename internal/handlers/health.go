package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger is anything whose connectivity can be checked
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	store Pinger
	redis Pinger
}

// NewHealthHandler creates a new health handler. redis may be nil.
func NewHealthHandler(store Pinger, redis Pinger) *HealthHandler {
	return &HealthHandler{store: store, redis: redis}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 3*time.Second)
	defer cancel()

	status := "healthy"
	code := fiber.StatusOK
	checks := fiber.Map{}

	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	switch {
	case h.redis == nil:
		checks["redis"] = "disabled"
	case h.redis.Ping(ctx) != nil:
		checks["redis"] = "unreachable"
		status = "degraded"
	default:
		checks["redis"] = "ok"
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
