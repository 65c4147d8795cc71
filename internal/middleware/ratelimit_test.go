package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("RATE_LIMIT_GLOBAL_API", "50")
	t.Setenv("RATE_LIMIT_INGEST", "not-a-number")

	config := LoadRateLimitConfig()
	if config.GlobalAPIMax != 50 {
		t.Errorf("Expected GlobalAPIMax 50, got %d", config.GlobalAPIMax)
	}
	if config.IngestMax != DefaultRateLimitConfig().IngestMax {
		t.Errorf("Invalid override must keep default, got %d", config.IngestMax)
	}
}

func TestIngestRateLimiter(t *testing.T) {
	config := &RateLimitConfig{IngestMax: 2, IngestExpiration: time.Minute}

	app := fiber.New()
	app.Post("/api/brain", IngestRateLimiter(config), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	expected := []int{200, 200, 429}
	for i, want := range expected {
		resp, err := app.Test(httptest.NewRequest("POST", "/api/brain", nil))
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		if resp.StatusCode != want {
			t.Errorf("Request %d: expected status %d, got %d", i+1, want, resp.StatusCode)
		}
	}
}
