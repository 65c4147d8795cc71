package handlers

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/tusharkarmokar24-ai/AeroView/internal/logging"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
	"github.com/tusharkarmokar24-ai/AeroView/internal/services"
)

// LogHandler handles device log ingestion and session reads
type LogHandler struct {
	ingestService *services.IngestService
	store         services.SessionStore
	sessionCache  *services.SessionCache
}

// NewLogHandler creates a new log handler
func NewLogHandler(ingestService *services.IngestService) *LogHandler {
	return &LogHandler{
		ingestService: ingestService,
		store:         ingestService.Store(),
	}
}

// SetSessionCache serves settled sessions from memory
func (h *LogHandler) SetSessionCache(sessionCache *services.SessionCache) {
	h.sessionCache = sessionCache
}

// Ingest appends a reading to today's session
// POST /api/brain, POST /api/logs
func (h *LogHandler) Ingest(c *fiber.Ctx) error {
	var req models.LogRequest
	// Devices do not always send a Content-Type, so the body is decoded directly.
	// Every failure is a 500 carrying the error message.
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		log.Printf("❌ [INGEST] Invalid request body from %s: %v", c.IP(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	result, err := h.ingestService.Ingest(c.UserContext(), &req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidInput) {
			log.Printf("❌ [INGEST] Rejected reading from %s: %v", c.IP(), err)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logging.WithTransport(logging.WithSession(result.MachineID, result.Day), "http").Debug("reading ingested",
		"log_key", result.LogKey,
		"log_count", result.LogCount,
		"summary_generated", result.SummaryGenerated,
	)

	return c.JSON(fiber.Map{
		"ok": true,
	})
}

// ListSessions returns the days that have a session for a machine
// GET /api/machines/:machineID/sessions
func (h *LogHandler) ListSessions(c *fiber.Ctx) error {
	machineID := c.Params("machineID")
	if err := services.ValidateMachineID(machineID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	days, err := h.store.ListSessionDays(c.UserContext(), machineID)
	if err != nil {
		log.Printf("❌ [SESSIONS] Failed to list sessions for %s: %v", machineID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sessions",
		})
	}

	return c.JSON(models.SessionList{
		MachineID: machineID,
		Days:      days,
	})
}

// GetSession returns one session with all its readings
// GET /api/machines/:machineID/sessions/:day
func (h *LogHandler) GetSession(c *fiber.Ctx) error {
	machineID := c.Params("machineID")
	day := c.Params("day")

	if err := services.ValidateMachineID(machineID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err := services.ValidateDay(day); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var session *models.Session
	var err error
	if h.sessionCache != nil {
		session, err = h.sessionCache.GetSession(c.UserContext(), machineID, day)
	} else {
		session, err = h.store.GetSession(c.UserContext(), machineID, day)
	}
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}
		log.Printf("❌ [SESSIONS] Failed to get session %s: %v", models.SessionPath(machineID, day), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get session",
		})
	}

	return c.JSON(session)
}
