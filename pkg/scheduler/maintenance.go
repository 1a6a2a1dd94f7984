package scheduler

import (
	"context"

	"go.uber.org/zap"

	"equation_consensus/pkg/config"
	"equation_consensus/pkg/data"
)

// PendingSweeper abandons sessions whose decision deadline lapsed
// without the timer firing.
type PendingSweeper interface {
	SweepPending() int
}

// RetentionSweeper drops channel messages older than the retention window.
type RetentionSweeper interface {
	SweepExpired() int
}

// HeartbeatExpirer marks judges with lapsed heartbeats unhealthy.
type HeartbeatExpirer interface {
	ExpireStale() int
	List() []*data.JudgeRegistration
}

// HealthBroadcaster pushes judge roster changes to connected clients.
type HealthBroadcaster interface {
	BroadcastJudgeHealth(judges []*data.JudgeRegistration)
}

// RegisterMaintenance wires the pipeline's standing maintenance jobs
// onto the configured sweep schedule. The broadcaster may be nil when
// no push surface is attached.
func (s *Scheduler) RegisterMaintenance(cfg *config.SchedulerConfig, pending PendingSweeper, retention RetentionSweeper, judges HeartbeatExpirer, broadcaster HealthBroadcaster) error {
	tasks := []*Task{
		{
			Name:     "sweep_pending_sessions",
			Schedule: cfg.SweepSchedule,
			ExecutionFn: func(ctx context.Context) error {
				if n := pending.SweepPending(); n > 0 {
					s.logger.Info("Abandoned overdue sessions", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name:     "sweep_channel_retention",
			Schedule: cfg.SweepSchedule,
			ExecutionFn: func(ctx context.Context) error {
				if n := retention.SweepExpired(); n > 0 {
					s.logger.Info("Dropped expired channel messages", zap.Int("count", n))
				}
				return nil
			},
		},
		{
			Name:     "expire_judge_heartbeats",
			Schedule: cfg.SweepSchedule,
			ExecutionFn: func(ctx context.Context) error {
				if n := judges.ExpireStale(); n > 0 {
					s.logger.Warn("Marked judges unhealthy after missed heartbeats", zap.Int("count", n))
					if broadcaster != nil {
						broadcaster.BroadcastJudgeHealth(judges.List())
					}
				}
				return nil
			},
		},
	}

	for _, task := range tasks {
		if err := s.ScheduleTask(task); err != nil {
			return err
		}
	}
	return nil
}
