package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"equation_consensus/pkg/config"
	"equation_consensus/pkg/data"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := NewScheduler(zap.NewNop())
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestScheduleTaskValidation(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		task *Task
	}{
		{"empty name", &Task{Schedule: "@every 1m", ExecutionFn: noop}},
		{"empty schedule", &Task{Name: "a", ExecutionFn: noop}},
		{"nil function", &Task{Name: "a", Schedule: "@every 1m"}},
		{"bad cron expression", &Task{Name: "a", Schedule: "not a schedule", ExecutionFn: noop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.ScheduleTask(tt.task))
		})
	}
}

func TestScheduleTaskRejectsDuplicateName(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.ScheduleTask(&Task{Name: "sweep", Schedule: "@every 1m", ExecutionFn: noop}))
	err := s.ScheduleTask(&Task{Name: "sweep", Schedule: "@every 1m", ExecutionFn: noop})
	assert.ErrorContains(t, err, "already scheduled")
}

func TestSchedulerExecutesTask(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int64
	require.NoError(t, s.ScheduleTask(&Task{
		Name:     "ticker",
		Schedule: "@every 10ms",
		ExecutionFn: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 2 })

	task, err := s.GetTask("ticker")
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return task.Status == TaskStatusComplete && !task.LastRun.IsZero()
	})
}

func TestSchedulerRetriesFailedTask(t *testing.T) {
	s := newTestScheduler(t)

	var attempts atomic.Int64
	require.NoError(t, s.ScheduleTask(&Task{
		Name:       "flaky",
		Schedule:   "@every 10ms",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		ExecutionFn: func(context.Context) error {
			attempts.Add(1)
			return errors.New("transient")
		},
	}))
	s.Start()

	// 1 initial attempt + 2 retries per execution
	waitFor(t, 2*time.Second, func() bool { return attempts.Load() >= 3 })

	waitFor(t, 2*time.Second, func() bool {
		task, err := s.GetTask("flaky")
		require.NoError(t, err)
		s.mu.RLock()
		defer s.mu.RUnlock()
		return task.Status == TaskStatusFailed && task.Error != nil
	})
}

func TestUnscheduleTask(t *testing.T) {
	s := newTestScheduler(t)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.ScheduleTask(&Task{Name: "sweep", Schedule: "@every 1m", ExecutionFn: noop}))
	require.Len(t, s.ListTasks(), 1)

	require.NoError(t, s.UnscheduleTask("sweep"))
	assert.Empty(t, s.ListTasks())

	assert.Error(t, s.UnscheduleTask("sweep"))
	_, err := s.GetTask("sweep")
	assert.Error(t, err)
}

type stubPendingSweeper struct{ calls atomic.Int64 }

func (s *stubPendingSweeper) SweepPending() int {
	s.calls.Add(1)
	return 0
}

type stubRetentionSweeper struct{ calls atomic.Int64 }

func (s *stubRetentionSweeper) SweepExpired() int {
	s.calls.Add(1)
	return 1
}

type stubHeartbeatExpirer struct{ calls atomic.Int64 }

func (s *stubHeartbeatExpirer) ExpireStale() int {
	s.calls.Add(1)
	return 1
}

func (s *stubHeartbeatExpirer) List() []*data.JudgeRegistration {
	return []*data.JudgeRegistration{{JudgeID: "numerical-1", State: data.JudgeUnhealthy}}
}

type stubBroadcaster struct{ calls atomic.Int64 }

func (s *stubBroadcaster) BroadcastJudgeHealth(judges []*data.JudgeRegistration) {
	s.calls.Add(1)
}

func TestRegisterMaintenanceRunsAllSweeps(t *testing.T) {
	s := newTestScheduler(t)

	pending := &stubPendingSweeper{}
	retention := &stubRetentionSweeper{}
	expirer := &stubHeartbeatExpirer{}
	broadcaster := &stubBroadcaster{}

	cfg := &config.SchedulerConfig{SweepSchedule: "@every 10ms"}
	require.NoError(t, s.RegisterMaintenance(cfg, pending, retention, expirer, broadcaster))
	require.Len(t, s.ListTasks(), 3)
	s.Start()

	waitFor(t, 2*time.Second, func() bool {
		return pending.calls.Load() > 0 && retention.calls.Load() > 0 && expirer.calls.Load() > 0
	})

	// expirer reported stale judges, so the roster must have been pushed
	waitFor(t, 2*time.Second, func() bool { return broadcaster.calls.Load() > 0 })
}

func TestRegisterMaintenanceWithoutBroadcaster(t *testing.T) {
	s := newTestScheduler(t)

	expirer := &stubHeartbeatExpirer{}
	cfg := &config.SchedulerConfig{SweepSchedule: "@every 10ms"}
	require.NoError(t, s.RegisterMaintenance(cfg, &stubPendingSweeper{}, &stubRetentionSweeper{}, expirer, nil))
	s.Start()

	waitFor(t, 2*time.Second, func() bool { return expirer.calls.Load() > 0 })
}
