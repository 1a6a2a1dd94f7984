package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TaskStatus represents the current state of a scheduled task
type TaskStatus string

const (
	TaskStatusPending  TaskStatus = "pending"
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailed   TaskStatus = "failed"
)

// Task is a recurring maintenance job
type Task struct {
	Name        string
	Schedule    string
	LastRun     time.Time
	NextRun     time.Time
	Status      TaskStatus
	Error       error
	MaxRetries  int
	RetryDelay  time.Duration
	CronID      cron.EntryID
	ExecutionFn func(context.Context) error
}

// Scheduler runs the pipeline's periodic maintenance: pending-timeout
// sweeps, channel retention sweeps and judge heartbeat expiry.
type Scheduler struct {
	cron   *cron.Cron
	tasks  map[string]*Task
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewScheduler creates a scheduler instance
func NewScheduler(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		tasks:  make(map[string]*Task),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins executing scheduled tasks
func (s *Scheduler) Start() {
	s.logger.Info("Starting maintenance scheduler", zap.Int("tasks", len(s.tasks)))
	s.cron.Start()
}

// Stop gracefully shuts down the scheduler, waiting for running tasks
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping maintenance scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
}

// ScheduleTask adds a recurring task
func (s *Scheduler) ScheduleTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %s already scheduled", task.Name)
	}

	cronID, err := s.cron.AddFunc(task.Schedule, func() {
		s.executeTask(s.ctx, task)
	})
	if err != nil {
		return fmt.Errorf("scheduling task: %w", err)
	}

	task.CronID = cronID
	task.Status = TaskStatusPending
	task.NextRun = s.cron.Entry(cronID).Next
	s.tasks[task.Name] = task

	s.logger.Info("Task scheduled",
		zap.String("task", task.Name),
		zap.String("schedule", task.Schedule),
		zap.Time("next_run", task.NextRun))
	return nil
}

// UnscheduleTask removes a task
func (s *Scheduler) UnscheduleTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[name]
	if !exists {
		return fmt.Errorf("task %s not found", name)
	}

	s.cron.Remove(task.CronID)
	delete(s.tasks, name)
	return nil
}

// GetTask retrieves a task by name
func (s *Scheduler) GetTask(name string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[name]
	if !exists {
		return nil, fmt.Errorf("task %s not found", name)
	}
	return task, nil
}

// ListTasks returns all scheduled tasks
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	start := time.Now()

	s.mu.Lock()
	task.Status = TaskStatusRunning
	task.LastRun = start
	s.mu.Unlock()

	err := s.runTaskWithRetries(ctx, task)

	s.mu.Lock()
	if err != nil {
		task.Status = TaskStatusFailed
		task.Error = err
	} else {
		task.Status = TaskStatusComplete
		task.Error = nil
	}
	task.NextRun = s.cron.Entry(task.CronID).Next
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Task execution failed",
			zap.String("task", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	s.logger.Debug("Task execution completed",
		zap.String("task", task.Name),
		zap.Duration("duration", time.Since(start)))
}

func (s *Scheduler) runTaskWithRetries(ctx context.Context, task *Task) error {
	var lastErr error

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(task.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := task.ExecutionFn(ctx); err != nil {
			lastErr = err
			s.logger.Warn("Task attempt failed",
				zap.String("task", task.Name),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil
	}

	return fmt.Errorf("task failed after %d retries: %w", task.MaxRetries, lastErr)
}

func validateTask(task *Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if task.Schedule == "" {
		return fmt.Errorf("task schedule cannot be empty")
	}
	if task.ExecutionFn == nil {
		return fmt.Errorf("task execution function cannot be nil")
	}
	if _, err := cron.ParseStandard(task.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule: %w", err)
	}
	return nil
}
