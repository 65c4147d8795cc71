package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tusharkarmokar24-ai/AeroView/internal/logging"
	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

// DefaultSummaryThreshold is the reading count that triggers the daily summary
const DefaultSummaryThreshold = 4

const defaultSummaryLockTTL = 2 * time.Minute

// SummaryLocker is a distributed lock. RedisService satisfies it.
type SummaryLocker interface {
	AcquireLock(ctx context.Context, lockKey string, lockValue string, expiration time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// IngestService appends readings to daily sessions and writes the one-time summary
type IngestService struct {
	store     SessionStore
	generator SummaryGenerator
	threshold int

	locker  SummaryLocker
	lockTTL time.Duration
	events  *SessionEventPublisher
	metrics *Metrics
	now     func() time.Time
}

// NewIngestService creates a new ingest service
func NewIngestService(store SessionStore, generator SummaryGenerator, threshold int) *IngestService {
	if threshold <= 0 {
		threshold = DefaultSummaryThreshold
	}

	return &IngestService{
		store:     store,
		generator: generator,
		threshold: threshold,
		lockTTL:   defaultSummaryLockTTL,
		now:       time.Now,
	}
}

// SetLocker enables the cross-instance summary lock
func (s *IngestService) SetLocker(locker SummaryLocker, ttl time.Duration) {
	s.locker = locker
	if ttl > 0 {
		s.lockTTL = ttl
	}
}

// SetEventPublisher sets the session event publisher
func (s *IngestService) SetEventPublisher(events *SessionEventPublisher) {
	s.events = events
}

// SetMetrics sets the metrics sink
func (s *IngestService) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// SetClock overrides the clock (tests)
func (s *IngestService) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the session store used by the service
func (s *IngestService) Store() SessionStore {
	return s.store
}

// ValidateLogRequest checks the request before anything is written
func ValidateLogRequest(req *models.LogRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request body is required", ErrInvalidInput)
	}
	if err := ValidateMachineID(req.MachineID); err != nil {
		return err
	}
	if req.Data == nil {
		return fmt.Errorf("%w: data is required", ErrInvalidInput)
	}
	for _, field := range []string{models.ReadingFieldTemp, models.ReadingFieldHum} {
		if _, ok := req.Data.Number(field); !ok {
			return fmt.Errorf("%w: data.%s must be a number", ErrInvalidInput, field)
		}
	}
	return nil
}

// Ingest appends one reading to today's session and generates the summary
// when the session first reaches the threshold
func (s *IngestService) Ingest(ctx context.Context, req *models.LogRequest) (*models.IngestResult, error) {
	if err := ValidateLogRequest(req); err != nil {
		s.metrics.RecordError(IngestErrorInvalidInput)
		return nil, err
	}

	now := s.now().UTC()
	day := now.Format(models.SessionDayLayout)
	logger := logging.WithSession(req.MachineID, day)

	session, created, err := s.store.GetOrCreateSession(ctx, req.MachineID, day, now.Format(models.SessionStartLayout))
	if err != nil {
		s.metrics.RecordError(IngestErrorStore)
		log.Printf("❌ [INGEST] Failed to get session %s: %v", models.SessionPath(req.MachineID, day), err)
		return nil, err
	}
	if created {
		s.metrics.RecordSessionCreated()
		logger.Info("session created", "start_time", session.StartTime)
	}

	reading := make(models.Reading, len(req.Data)+1)
	for k, v := range req.Data {
		reading[k] = v
	}
	reading[models.ReadingFieldTimestamp] = now.UnixMilli()

	logKey, err := s.store.AppendReading(ctx, req.MachineID, day, reading)
	if err != nil {
		s.metrics.RecordError(IngestErrorStore)
		log.Printf("❌ [INGEST] Failed to append reading to %s: %v", models.SessionPath(req.MachineID, day), err)
		return nil, fmt.Errorf("failed to append reading: %w", err)
	}
	s.metrics.RecordReading()
	s.publish(ctx, EventReadingAppended, req.MachineID, day, map[string]interface{}{
		"logKey":  logKey,
		"reading": reading,
	})

	readings, err := s.store.ListReadings(ctx, req.MachineID, day)
	if err != nil {
		s.metrics.RecordError(IngestErrorStore)
		log.Printf("❌ [INGEST] Failed to count readings for %s: %v", models.SessionPath(req.MachineID, day), err)
		return nil, err
	}

	result := &models.IngestResult{
		MachineID:      req.MachineID,
		Day:            day,
		LogKey:         logKey,
		LogCount:       len(readings),
		SessionCreated: created,
	}

	// The pre-append snapshot decides whether a summary already exists
	if result.LogCount < s.threshold || session.HasSummary() {
		return result, nil
	}

	generated, err := s.summarize(ctx, req.MachineID, day, readings)
	if err != nil {
		s.metrics.RecordError(IngestErrorSummary)
		log.Printf("❌ [INGEST] Summary generation failed for %s: %v", models.SessionPath(req.MachineID, day), err)
		return nil, err
	}
	result.SummaryGenerated = generated

	return result, nil
}

// summarize computes averages, calls the generator and stores the summary once.
// Returns false when another writer already produced it.
func (s *IngestService) summarize(ctx context.Context, machineID, day string, readings map[string]models.Reading) (bool, error) {
	logger := logging.WithSession(machineID, day)

	avgTemp, avgHum, err := AverageReadings(readings)
	if err != nil {
		return false, err
	}
	prompt := BuildSummaryPrompt(avgTemp, avgHum)

	if s.locker != nil {
		lockKey := SummaryLockKey(machineID, day)
		token := uuid.New().String()

		acquired, err := s.locker.AcquireLock(ctx, lockKey, token, s.lockTTL)
		switch {
		case err != nil:
			log.Printf("⚠️ [INGEST] Summary lock unavailable for %s, generating without it: %v", lockKey, err)
		case !acquired:
			logger.Info("summary generation already in progress elsewhere")
			return false, nil
		default:
			// Held until TTL after success so late duplicates skip the LLM call
			stored := false
			defer func() {
				if stored {
					return
				}
				if _, err := s.locker.ReleaseLock(context.Background(), lockKey, token); err != nil {
					log.Printf("⚠️ [INGEST] Failed to release summary lock %s: %v", lockKey, err)
				}
			}()

			ok, err := s.generateAndStore(ctx, machineID, day, prompt)
			stored = ok
			return ok, err
		}
	}

	return s.generateAndStore(ctx, machineID, day, prompt)
}

func (s *IngestService) generateAndStore(ctx context.Context, machineID, day, prompt string) (bool, error) {
	logger := logging.WithSession(machineID, day)

	if s.generator == nil {
		return false, errors.New("summary generator is not configured")
	}

	start := s.now()
	summary, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("failed to generate summary: %w", err)
	}
	if summary == "" {
		return false, errors.New("failed to generate summary: empty response")
	}
	elapsed := s.now().Sub(start)

	stored, err := s.store.SetSummaryIfAbsent(ctx, machineID, day, summary)
	if err != nil {
		return false, fmt.Errorf("failed to store summary: %w", err)
	}
	if !stored {
		logger.Info("summary already stored by another writer, discarding generated text")
		return false, nil
	}

	s.metrics.RecordSummary(elapsed.Seconds())
	logger.Info("summary generated", "duration_ms", elapsed.Milliseconds())
	s.publish(ctx, EventSummaryGenerated, machineID, day, map[string]interface{}{
		"summary": summary,
	})

	return true, nil
}

func (s *IngestService) publish(ctx context.Context, eventType, machineID, day string, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	// Publish failures are already logged by the publisher and never fail ingest
	_ = s.events.Publish(ctx, eventType, machineID, day, payload)
}

// AverageReadings returns mean temp and hum over the readings in key order
func AverageReadings(readings map[string]models.Reading) (float64, float64, error) {
	if len(readings) == 0 {
		return 0, 0, fmt.Errorf("%w: no readings to average", ErrInvalidReading)
	}

	var sumTemp, sumHum float64
	for _, key := range sortedKeys(readings) {
		reading := readings[key]

		temp, ok := reading.Number(models.ReadingFieldTemp)
		if !ok {
			return 0, 0, fmt.Errorf("%w: reading %s has no numeric temp", ErrInvalidReading, key)
		}
		hum, ok := reading.Number(models.ReadingFieldHum)
		if !ok {
			return 0, 0, fmt.Errorf("%w: reading %s has no numeric hum", ErrInvalidReading, key)
		}

		sumTemp += temp
		sumHum += hum
	}

	n := float64(len(readings))
	return sumTemp / n, sumHum / n, nil
}

// BuildSummaryPrompt formats the averages into the generation prompt
func BuildSummaryPrompt(avgTemp, avgHum float64) string {
	return fmt.Sprintf("Summarize these environment readings:\n  Average Temperature: %.1f°C\n  Average Humidity: %.1f%%.", avgTemp, avgHum)
}

// SummaryLockKey returns the Redis key guarding a session's summary generation
func SummaryLockKey(machineID, day string) string {
	return fmt.Sprintf("lock:summary:%s:%s", machineID, day)
}
