package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tusharkarmokar24-ai/AeroView/internal/models"
)

// SessionDeleter removes whole sessions older than a day.
// services.SessionStore satisfies it.
type SessionDeleter interface {
	DeleteSessionsBefore(ctx context.Context, day string) (int, error)
}

// SessionRetentionJob deletes machine sessions older than the retention window
type SessionRetentionJob struct {
	store         SessionDeleter
	retentionDays int
	schedule      string
	now           func() time.Time
}

// NewSessionRetentionJob creates a new retention job
func NewSessionRetentionJob(store SessionDeleter, retentionDays int, schedule string) *SessionRetentionJob {
	return &SessionRetentionJob{
		store:         store,
		retentionDays: retentionDays,
		schedule:      schedule,
		now:           time.Now,
	}
}

// Schedule returns the cron expression of the job
func (j *SessionRetentionJob) Schedule() string {
	return j.schedule
}

// CutoffDay returns the oldest day that is kept. The current day is always kept.
func (j *SessionRetentionJob) CutoffDay() string {
	days := j.retentionDays
	if days < 1 {
		days = 1
	}
	return j.now().UTC().AddDate(0, 0, -days).Format(models.SessionDayLayout)
}

// Run deletes every session whose day is before the cutoff
func (j *SessionRetentionJob) Run(ctx context.Context) error {
	if j.store == nil || j.retentionDays <= 0 {
		log.Println("[RETENTION] Session retention disabled")
		return nil
	}

	cutoff := j.CutoffDay()
	log.Printf("[RETENTION] Deleting sessions before %s (retention %d days)...", cutoff, j.retentionDays)
	startTime := time.Now()

	deleted, err := j.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	log.Printf("[RETENTION] Cleanup complete: deleted %d sessions in %v", deleted, time.Since(startTime))
	return nil
}
