package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"equation_consensus/pkg/channel"
	"equation_consensus/pkg/config"
	"equation_consensus/pkg/data"
	"equation_consensus/pkg/judge"
)

func testJudgesConfig() *config.JudgesConfig {
	return &config.JudgesConfig{
		Enabled:         []string{"theorem"},
		EvalTimeout:     time.Second,
		MaxRestarts:     3,
		RestartBackoff:  5 * time.Millisecond,
		MaxBackoff:      20 * time.Millisecond,
		HeartbeatExpiry: time.Minute,
	}
}

// scriptedWorker fails a fixed number of times before running cleanly
type scriptedWorker struct {
	id       string
	failures int
	runs     atomic.Int64
}

func (w *scriptedWorker) ID() string   { return w.id }
func (w *scriptedWorker) Kind() string { return "scripted" }

func (w *scriptedWorker) Run(ctx context.Context, ready func()) error {
	run := w.runs.Add(1)
	if int(run) <= w.failures {
		return errors.New("scripted failure")
	}
	if ready != nil {
		ready()
	}
	<-ctx.Done()
	return nil
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry(time.Minute, zaptest.NewLogger(t))

	r.Register("judge-1", "theorem")
	r.Register("judge-2", "numerical")

	reg, ok := r.Get("judge-1")
	require.True(t, ok)
	assert.Equal(t, data.JudgeHealthy, reg.State)

	assert.Equal(t, []string{"judge-1", "judge-2"}, r.HealthySnapshot())

	r.MarkRestarting("judge-1", 2)
	reg, _ = r.Get("judge-1")
	assert.Equal(t, data.JudgeRestarting, reg.State)
	assert.Equal(t, 2, reg.Restarts)
	assert.Equal(t, []string{"judge-2"}, r.HealthySnapshot(), "restarting judges leave the snapshot")

	r.MarkHealthy("judge-1")
	assert.Equal(t, []string{"judge-1", "judge-2"}, r.HealthySnapshot())

	r.MarkUnhealthy("judge-2")
	assert.Equal(t, []string{"judge-1"}, r.HealthySnapshot())

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "judge-1", list[0].JudgeID, "list is ordered")
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry(time.Minute, zaptest.NewLogger(t))
	r.Register("judge-1", "theorem")

	reg, _ := r.Get("judge-1")
	reg.State = data.JudgeUnhealthy

	fresh, _ := r.Get("judge-1")
	assert.Equal(t, data.JudgeHealthy, fresh.State, "mutating a copy must not touch the registry")
}

func TestRegistryExpireStale(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, zaptest.NewLogger(t))
	r.Register("judge-1", "theorem")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.HealthySnapshot(), "lapsed heartbeat drops the judge from the snapshot")

	expired := r.ExpireStale()
	assert.Equal(t, 1, expired)

	reg, _ := r.Get("judge-1")
	assert.Equal(t, data.JudgeUnhealthy, reg.State)

	assert.Zero(t, r.ExpireStale(), "expiry is recorded once")
}

func TestSupervisorRestartsFailedWorker(t *testing.T) {
	registry := NewRegistry(time.Minute, zaptest.NewLogger(t))
	s := NewSupervisor(testJudgesConfig(), registry, zaptest.NewLogger(t))
	defer s.Stop()

	w := &scriptedWorker{id: "judge-1", failures: 2}
	s.Supervise(w)

	require.Eventually(t, func() bool {
		return w.runs.Load() == 3
	}, 2*time.Second, 5*time.Millisecond, "worker should be restarted until it stays up")

	reg, ok := registry.Get("judge-1")
	require.True(t, ok)
	assert.Equal(t, data.JudgeHealthy, reg.State)
	assert.Equal(t, 2, reg.Restarts)
}

func TestSupervisorMarksUnhealthyAfterBudget(t *testing.T) {
	cfg := testJudgesConfig()
	cfg.MaxRestarts = 2
	registry := NewRegistry(time.Minute, zaptest.NewLogger(t))
	s := NewSupervisor(cfg, registry, zaptest.NewLogger(t))
	defer s.Stop()

	w := &scriptedWorker{id: "judge-1", failures: 100}
	s.Supervise(w)

	require.Eventually(t, func() bool {
		reg, ok := registry.Get("judge-1")
		return ok && reg.State == data.JudgeUnhealthy
	}, 2*time.Second, 5*time.Millisecond, "exhausted budget must mark the judge unhealthy")

	assert.EqualValues(t, cfg.MaxRestarts+1, w.runs.Load(), "no runs after the budget is spent")
	assert.Empty(t, registry.HealthySnapshot())
}

// panicWorker panics on its first run, then stays up
type panicWorker struct {
	id   string
	runs atomic.Int64
}

func (w *panicWorker) ID() string   { return w.id }
func (w *panicWorker) Kind() string { return "panicky" }

func (w *panicWorker) Run(ctx context.Context, ready func()) error {
	if w.runs.Add(1) == 1 {
		panic("worker exploded")
	}
	if ready != nil {
		ready()
	}
	<-ctx.Done()
	return nil
}

// gatedWorker fails once, then holds its second run short of readiness
// until the gate opens.
type gatedWorker struct {
	id   string
	gate chan struct{}
	runs atomic.Int64
}

func (w *gatedWorker) ID() string   { return w.id }
func (w *gatedWorker) Kind() string { return "gated" }

func (w *gatedWorker) Run(ctx context.Context, ready func()) error {
	if w.runs.Add(1) == 1 {
		return errors.New("gated failure")
	}
	<-w.gate
	if ready != nil {
		ready()
	}
	<-ctx.Done()
	return nil
}

func TestSupervisorWaitsForWorkerReadiness(t *testing.T) {
	registry := NewRegistry(time.Minute, zaptest.NewLogger(t))
	s := NewSupervisor(testJudgesConfig(), registry, zaptest.NewLogger(t))
	defer s.Stop()

	w := &gatedWorker{id: "judge-1", gate: make(chan struct{})}
	s.Supervise(w)

	require.Eventually(t, func() bool {
		return w.runs.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	// The restarted worker is running but has not signalled readiness,
	// so it must still be excluded from the healthy snapshot.
	time.Sleep(20 * time.Millisecond)
	reg, ok := registry.Get("judge-1")
	require.True(t, ok)
	assert.Equal(t, data.JudgeRestarting, reg.State, "worker is not healthy before it can receive work")

	close(w.gate)
	require.Eventually(t, func() bool {
		reg, ok := registry.Get("judge-1")
		return ok && reg.State == data.JudgeHealthy
	}, 2*time.Second, 5*time.Millisecond, "readiness signal should restore the judge")
}

func TestSupervisorRecoversWorkerPanic(t *testing.T) {
	registry := NewRegistry(time.Minute, zaptest.NewLogger(t))
	s := NewSupervisor(testJudgesConfig(), registry, zaptest.NewLogger(t))
	defer s.Stop()

	w := &panicWorker{id: "judge-1"}
	s.Supervise(w)

	require.Eventually(t, func() bool {
		return w.runs.Load() == 2
	}, 2*time.Second, 5*time.Millisecond, "panic should restart, not crash the supervisor")
}

func TestJudgeWorkerEvaluatesCandidates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	broker := channel.NewBroker(&config.ChannelConfig{
		QueueDepth:     16,
		Retention:      time.Minute,
		PublishRetries: 3,
		RetryDelay:     5 * time.Millisecond,
		MaxRetryDelay:  50 * time.Millisecond,
	}, logger)
	defer broker.Close()

	var beats atomic.Int64
	runner := judge.NewRunner(judge.NewTheoremJudge("theorem-1"), time.Second, nil,
		func(string) { beats.Add(1) }, logger)
	worker := NewJudgeWorker(runner, broker, logger)

	verdicts := make(chan *data.Verdict, 1)
	require.NoError(t, broker.Subscribe(context.Background(), channel.VerdictsTopic, "collector",
		func(_ context.Context, msg *channel.Message) error {
			var v data.Verdict
			if err := msg.Decode(&v); err != nil {
				return err
			}
			verdicts <- &v
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx, nil) }()

	candidate, err := data.NewCandidate("x + 1 = 2", "")
	require.NoError(t, err)
	msg, err := channel.NewMessage(channel.CandidateMessage, candidate)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, channel.CandidatesTopic, msg))

	select {
	case v := <-verdicts:
		assert.Equal(t, candidate.ID, v.CandidateID)
		assert.Equal(t, "theorem-1", v.JudgeID)
		assert.True(t, v.Accept)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not publish a verdict")
	}
	assert.EqualValues(t, 1, beats.Load())
}

func TestJudgeWorkerReportsAbstentions(t *testing.T) {
	logger := zaptest.NewLogger(t)
	broker := channel.NewBroker(&config.ChannelConfig{
		QueueDepth:     16,
		Retention:      time.Minute,
		PublishRetries: 3,
		RetryDelay:     5 * time.Millisecond,
		MaxRetryDelay:  50 * time.Millisecond,
	}, logger)
	defer broker.Close()

	runner := judge.NewRunner(judge.NewNumericalJudge("numerical-1"), time.Second, nil, nil, logger)
	worker := NewJudgeWorker(runner, broker, logger)

	messages := make(chan *channel.Message, 1)
	require.NoError(t, broker.Subscribe(context.Background(), channel.VerdictsTopic, "collector",
		func(_ context.Context, msg *channel.Message) error {
			messages <- msg
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx, nil) }()

	// Free variables make the numerical judge abstain.
	candidate, err := data.NewCandidate("x + 1 = 2", "")
	require.NoError(t, err)
	msg, err := channel.NewMessage(channel.CandidateMessage, candidate)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, channel.CandidatesTopic, msg))

	select {
	case got := <-messages:
		require.Equal(t, channel.AbstentionMessage, got.Type, "an abstaining judge still reports")
		var abstention data.Abstention
		require.NoError(t, got.Decode(&abstention))
		assert.Equal(t, candidate.ID, abstention.CandidateID)
		assert.Equal(t, "numerical-1", abstention.JudgeID)
		assert.NotEmpty(t, abstention.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not publish an abstention")
	}
}

// blockingJudge holds an evaluation open until its context is cancelled.
type blockingJudge struct {
	id        string
	started   chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func (j *blockingJudge) ID() string   { return j.id }
func (j *blockingJudge) Kind() string { return "blocking" }

func (j *blockingJudge) Evaluate(ctx context.Context, _ *data.Candidate) (*data.Verdict, error) {
	j.once.Do(func() { close(j.started) })
	<-ctx.Done()
	close(j.cancelled)
	return nil, ctx.Err()
}

func TestJudgeWorkerCancelsInflightEvaluation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	broker := channel.NewBroker(&config.ChannelConfig{
		QueueDepth:     16,
		Retention:      time.Minute,
		PublishRetries: 3,
		RetryDelay:     5 * time.Millisecond,
		MaxRetryDelay:  50 * time.Millisecond,
	}, logger)
	defer broker.Close()

	j := &blockingJudge{
		id:        "blocking-1",
		started:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	runner := judge.NewRunner(j, time.Minute, nil, nil, logger)
	worker := NewJudgeWorker(runner, broker, logger)

	var published atomic.Int64
	require.NoError(t, broker.Subscribe(context.Background(), channel.VerdictsTopic, "collector",
		func(_ context.Context, _ *channel.Message) error {
			published.Add(1)
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx, nil) }()

	candidate, err := data.NewCandidate("x = 1", "")
	require.NoError(t, err)
	msg, err := channel.NewMessage(channel.CandidateMessage, candidate)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, channel.CandidatesTopic, msg))

	select {
	case <-j.started:
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never started")
	}

	cancelMsg, err := channel.NewMessage(channel.CancelMessage, &data.Cancellation{
		CandidateID: candidate.ID,
		Reason:      "caller withdrew the candidate",
	})
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, channel.CancelsTopic, cancelMsg))

	select {
	case <-j.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not reach the running evaluation")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, published.Load(), "a cancelled evaluation publishes nothing")
}
