package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

var (
	// ErrInvalidInput marks caller mistakes detected before any store write
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidReading marks stored readings that cannot be aggregated
	ErrInvalidReading = errors.New("invalid stored reading")
	// ErrSessionNotFound is returned when a session node does not exist
	ErrSessionNotFound = errors.New("session not found")
)

// SessionStore persists per-machine, per-day sessions.
// Implementations must make GetOrCreateSession and SetSummaryIfAbsent atomic.
type SessionStore interface {
	// GetOrCreateSession returns the session as it was before this call and
	// whether this call created it.
	GetOrCreateSession(ctx context.Context, machineID, day, startTime string) (*models.Session, bool, error)
	// AppendReading stores a reading under the session logs and returns its generated key.
	AppendReading(ctx context.Context, machineID, day string, reading models.Reading) (string, error)
	// ListReadings returns every reading of the session keyed by log key.
	ListReadings(ctx context.Context, machineID, day string) (map[string]models.Reading, error)
	// GetSession returns the full session or ErrSessionNotFound.
	GetSession(ctx context.Context, machineID, day string) (*models.Session, error)
	// SetSummaryIfAbsent writes the summary only when none is stored yet.
	SetSummaryIfAbsent(ctx context.Context, machineID, day, summary string) (bool, error)
	// ListSessionDays returns the days with a session for the machine, ascending.
	ListSessionDays(ctx context.Context, machineID string) ([]string, error)
	// DeleteSessionsBefore removes every session whose day sorts before the given day.
	DeleteSessionsBefore(ctx context.Context, day string) (int, error)
	Ping(ctx context.Context) error
}

// characters that cannot appear in a machine ID because they would break
// store paths or document field names
const forbiddenMachineIDChars = "/.#$[]"

const maxMachineIDLength = 128

// ValidateMachineID checks that a machine ID can be used as a path segment
func ValidateMachineID(machineID string) error {
	if strings.TrimSpace(machineID) == "" {
		return fmt.Errorf("%w: machineID is required", ErrInvalidInput)
	}
	if len(machineID) > maxMachineIDLength {
		return fmt.Errorf("%w: machineID exceeds %d characters", ErrInvalidInput, maxMachineIDLength)
	}
	if strings.ContainsAny(machineID, forbiddenMachineIDChars) {
		return fmt.Errorf("%w: machineID must not contain any of %q", ErrInvalidInput, forbiddenMachineIDChars)
	}
	return nil
}

// ValidateDay checks a YYYY-MM-DD session day
func ValidateDay(day string) error {
	if _, err := time.Parse(models.SessionDayLayout, day); err != nil {
		return fmt.Errorf("%w: day must be formatted as YYYY-MM-DD", ErrInvalidInput)
	}
	return nil
}

// newLogKey generates a unique, time-ordered key for a reading
func newLogKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate log key: %w", err)
	}
	return id.String(), nil
}

func sessionDocumentID(machineID, day string) string {
	return machineID + "/" + day
}
