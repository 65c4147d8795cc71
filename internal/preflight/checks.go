package preflight

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tusharkarmokar24-ai/AeroView/internal/config"
	"github.com/tusharkarmokar24-ai/AeroView/internal/jobs"
)

// CheckResult represents the result of a preflight check
type CheckResult struct {
	Name    string
	Status  string // "pass", "fail", "warning"
	Message string
	Error   error
}

// Pinger checks connectivity of a backing service
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker performs pre-flight checks before server starts
type Checker struct {
	store Pinger
	redis Pinger
	cfg   *config.Config
}

// NewChecker creates a new preflight checker. redis may be nil.
func NewChecker(cfg *config.Config, store Pinger, redis Pinger) *Checker {
	return &Checker{
		store: store,
		redis: redis,
		cfg:   cfg,
	}
}

// RunAll runs all preflight checks and returns results
func (c *Checker) RunAll() []CheckResult {
	log.Println("🔍 Running pre-flight checks...")

	results := []CheckResult{
		c.checkStoreConnection(),
		c.checkRedisConnection(),
		c.checkLLMConfiguration(),
		c.checkRetentionSchedule(),
	}

	// Print summary
	passed := 0
	failed := 0
	warnings := 0

	for _, result := range results {
		switch result.Status {
		case "pass":
			log.Printf("   ✅ %s: %s", result.Name, result.Message)
			passed++
		case "fail":
			log.Printf("   ❌ %s: %s", result.Name, result.Message)
			if result.Error != nil {
				log.Printf("      Error: %v", result.Error)
			}
			failed++
		case "warning":
			log.Printf("   ⚠️  %s: %s", result.Name, result.Message)
			warnings++
		}
	}

	log.Printf("📊 Pre-flight summary: %d passed, %d failed, %d warnings", passed, failed, warnings)

	return results
}

// HasFailures returns true if any check failed
func HasFailures(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == "fail" {
			return true
		}
	}
	return false
}

// checkStoreConnection verifies the session store is reachable
func (c *Checker) checkStoreConnection() CheckResult {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.Ping(ctx); err != nil {
		return CheckResult{
			Name:    "Session Store",
			Status:  "fail",
			Message: fmt.Sprintf("Cannot reach %s session store", c.cfg.StoreBackend),
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Session Store",
		Status:  "pass",
		Message: fmt.Sprintf("%s session store reachable", c.cfg.StoreBackend),
	}
}

// checkRedisConnection is a warning only: ingest works without Redis
func (c *Checker) checkRedisConnection() CheckResult {
	if c.redis == nil {
		return CheckResult{
			Name:    "Redis",
			Status:  "warning",
			Message: "REDIS_URL not set; summary lock and session events disabled",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.redis.Ping(ctx); err != nil {
		return CheckResult{
			Name:    "Redis",
			Status:  "warning",
			Message: "Redis unreachable; summaries may be generated more than once across instances",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Redis",
		Status:  "pass",
		Message: "Redis reachable",
	}
}

// checkLLMConfiguration warns when summaries cannot be generated
func (c *Checker) checkLLMConfiguration() CheckResult {
	if c.cfg.LLMAPIKey == "" {
		return CheckResult{
			Name:    "Summary Model",
			Status:  "warning",
			Message: "GEMINI_API_KEY/LLM_API_KEY not set; ingest will fail once a session reaches the summary threshold",
		}
	}

	return CheckResult{
		Name:    "Summary Model",
		Status:  "pass",
		Message: fmt.Sprintf("Using %s at %s (threshold %d readings)", c.cfg.LLMModel, c.cfg.LLMBaseURL, c.cfg.SummaryThreshold),
	}
}

// checkRetentionSchedule validates the cron expression of the retention job
func (c *Checker) checkRetentionSchedule() CheckResult {
	if c.cfg.RetentionDays <= 0 {
		return CheckResult{
			Name:    "Session Retention",
			Status:  "pass",
			Message: "Retention disabled; sessions are kept forever",
		}
	}

	if err := jobs.ValidateCron(c.cfg.RetentionCron); err != nil {
		return CheckResult{
			Name:    "Session Retention",
			Status:  "fail",
			Message: "Invalid SESSION_RETENTION_CRON",
			Error:   err,
		}
	}

	return CheckResult{
		Name:    "Session Retention",
		Status:  "pass",
		Message: fmt.Sprintf("Keeping %d days, cleanup at %q UTC", c.cfg.RetentionDays, c.cfg.RetentionCron),
	}
}
