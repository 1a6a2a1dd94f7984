package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"equation_consensus/pkg/config"
	"equation_consensus/pkg/utils"
)

// Worker is a supervised long-running unit of work. Run blocks until the
// context is cancelled or the worker fails; any return while the context
// is still live counts as a failure and triggers a restart. Run invokes
// ready once the worker can actually receive work, which is when the
// supervisor marks it healthy again after a restart.
type Worker interface {
	ID() string
	Kind() string
	Run(ctx context.Context, ready func()) error
}

// Supervisor keeps judge workers alive. A failed worker is restarted
// after an exponential backoff; once the restart budget is spent the
// judge goes permanently unhealthy and stops competing for candidates.
type Supervisor struct {
	logger   *zap.Logger
	cfg      *config.JudgesConfig
	registry *Registry

	mu      sync.Mutex
	running map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor over the given registry
func NewSupervisor(cfg *config.JudgesConfig, registry *Registry, logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:   logger,
		cfg:      cfg,
		registry: registry,
		running:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Supervise registers the worker and starts its supervision loop
func (s *Supervisor) Supervise(w Worker) {
	s.registry.Register(w.ID(), w.Kind())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(w)
	}()
}

// Start launches the periodic heartbeat ticker. Workers also heartbeat on
// every evaluation; the ticker covers idle stretches.
func (s *Supervisor) Start() {
	interval := s.cfg.HeartbeatExpiry / 3
	if interval <= 0 {
		interval = time.Second
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				for id, active := range s.running {
					if active {
						s.registry.Heartbeat(id)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Stop shuts down all supervised workers and waits for them to exit
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

func (s *Supervisor) runWorker(w Worker) {
	backoff := s.cfg.RestartBackoff
	restarts := 0

	// Healthy only once the worker signals it is receiving work; until
	// then a restarting judge stays out of new frozen sets.
	ready := func() {
		s.registry.MarkHealthy(w.ID())
	}

	for {
		s.setRunning(w.ID(), true)
		err := s.safeRun(w, ready)
		s.setRunning(w.ID(), false)

		if s.ctx.Err() != nil {
			return
		}

		restarts++
		if restarts > s.cfg.MaxRestarts {
			s.logger.Error("Judge exhausted restart budget",
				zap.String("judge_id", w.ID()),
				zap.Int("restarts", restarts-1),
				zap.Error(err))
			s.registry.MarkUnhealthy(w.ID())
			return
		}

		s.registry.MarkRestarting(w.ID(), restarts)
		s.logger.Warn("Judge worker failed, restarting",
			zap.String("judge_id", w.ID()),
			zap.Int("restart", restarts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = utils.NextBackoff(backoff, s.cfg.MaxBackoff, 2.0)
	}
}

// safeRun converts worker panics into errors so supervision sees them
func (s *Supervisor) safeRun(w Worker, ready func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Judge worker panicked",
				zap.String("judge_id", w.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	if err := w.Run(s.ctx, ready); err != nil {
		return err
	}
	if s.ctx.Err() == nil {
		return fmt.Errorf("worker exited unexpectedly")
	}
	return nil
}

func (s *Supervisor) setRunning(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = active
}

// jitter spreads restarts out so failed judges do not thunder back together
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*0.2*float64(d))
}
