package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// Job interface that all scheduled jobs must implement
type Job interface {
	Run(ctx context.Context) error
	// Schedule returns a five-field cron expression evaluated in UTC
	Schedule() string
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks a five-field cron expression
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun returns the next activation of expr after from, in UTC
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule.Next(from.UTC()), nil
}

// stopTimeout bounds how long Stop waits for running jobs
const stopTimeout = time.Minute

// JobScheduler manages and runs scheduled jobs
type JobScheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]Job
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	running   bool
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler() (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithStopTimeout(stopTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler: scheduler,
		jobs:      make(map[string]Job),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Register adds a job to the scheduler
func (s *JobScheduler) Register(name string, job Job) error {
	if err := ValidateCron(job.Schedule()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.scheduler.NewJob(
		gocron.CronJob(job.Schedule(), false),
		gocron.NewTask(func() {
			s.runJob(name, job)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = job
	log.Printf("✅ [SCHEDULER] Registered job: %s (%s)", name, job.Schedule())
	return nil
}

// Start begins running all registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.scheduler.Start()
	log.Printf("🚀 [SCHEDULER] Starting job scheduler with %d jobs", len(s.jobs))
}

// runJob executes a job with the scheduler's context
func (s *JobScheduler) runJob(name string, job Job) {
	log.Printf("▶️  [SCHEDULER] Running job: %s", name)
	startTime := time.Now()

	if err := job.Run(s.ctx); err != nil {
		log.Printf("❌ [SCHEDULER] Job '%s' failed: %v", name, err)
		return
	}

	log.Printf("✅ [SCHEDULER] Job '%s' completed in %v", name, time.Since(startTime))
}

// Stop gracefully stops all jobs
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.running = false
	s.mu.Unlock()

	// Cancel context; Shutdown waits for running jobs
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️  [SCHEDULER] Shutdown error: %v", err)
	}

	log.Println("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow immediately runs a specific job
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %q not found", name)
	}

	log.Printf("🚀 [SCHEDULER] Running job '%s' immediately", name)
	return job.Run(s.ctx)
}

// GetStatus returns the status of all jobs
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	status := make(map[string]JobStatus)
	for name, job := range s.jobs {
		next, _ := NextRun(job.Schedule(), now)
		status[name] = JobStatus{
			Name:        name,
			Schedule:    job.Schedule(),
			NextRunTime: next,
			Registered:  true,
		}
	}

	return status
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string    `json:"name"`
	Schedule    string    `json:"schedule"`
	NextRunTime time.Time `json:"next_run_time"`
	Registered  bool      `json:"registered"`
}
