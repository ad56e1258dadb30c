// Package maintenance runs the engine's periodic housekeeping: pruning the
// security-event log and compacting the trust database.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job defines a periodic background task.
type Job interface {
	// Name returns a unique identifier for this job.
	Name() string

	// Schedule returns a 5-field cron expression (e.g. "0 3 * * *").
	Schedule() string

	// Run executes the job. Implementations should honor ctx cancellation.
	Run(ctx context.Context) error
}

// Scheduler executes registered jobs on their cron schedules. A per-job
// TryLock skips a tick if the previous run is still in flight.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []Job
	locks  map[string]*sync.Mutex
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
	}
}

// RegisterJob adds a job; duplicate names are rejected.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.locks[name]; exists {
		return fmt.Errorf("maintenance: duplicate job name %q", name)
	}
	s.locks[name] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start validates every schedule and begins execution.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s.cron = cron.New(cron.WithParser(parser))

	for _, j := range s.jobs {
		job := j
		lock := s.locks[job.Name()]

		_, err := s.cron.AddFunc(job.Schedule(), func() {
			if !lock.TryLock() {
				s.logger.Warn("job still running, skipping tick", "job", job.Name())
				return
			}
			defer lock.Unlock()

			if err := job.Run(ctx); err != nil {
				s.logger.Error("job failed", "job", job.Name(), "error", err)
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("maintenance: invalid schedule for job %q: %w", job.Name(), err)
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop waits for in-flight jobs and halts the scheduler.
func (s *Scheduler) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}
	return nil
}
