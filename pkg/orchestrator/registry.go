package orchestrator

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"equation_consensus/pkg/data"
)

// Registry tracks the identity and health of every judge in the process.
// The coordinator samples it to freeze per-candidate judge sets; the
// supervisor drives state transitions through it.
type Registry struct {
	logger          *zap.Logger
	heartbeatExpiry time.Duration

	mu     sync.RWMutex
	judges map[string]*data.JudgeRegistration
}

// NewRegistry creates a judge registry
func NewRegistry(heartbeatExpiry time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		logger:          logger,
		heartbeatExpiry: heartbeatExpiry,
		judges:          make(map[string]*data.JudgeRegistration),
	}
}

// Register adds a judge in healthy state. Re-registering resets its record.
func (r *Registry) Register(judgeID, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.judges[judgeID] = &data.JudgeRegistration{
		JudgeID:       judgeID,
		Kind:          kind,
		State:         data.JudgeHealthy,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.logger.Info("Judge registered",
		zap.String("judge_id", judgeID),
		zap.String("kind", kind))
}

// Heartbeat records a liveness signal for the judge
func (r *Registry) Heartbeat(judgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.judges[judgeID]; ok {
		reg.LastHeartbeat = time.Now().UTC()
	}
}

// MarkRestarting flags the judge as restarting with its restart count
func (r *Registry) MarkRestarting(judgeID string, restarts int) {
	r.setState(judgeID, data.JudgeRestarting, restarts)
}

// MarkHealthy returns the judge to healthy state with a fresh heartbeat
func (r *Registry) MarkHealthy(judgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.judges[judgeID]; ok {
		reg.State = data.JudgeHealthy
		reg.LastHeartbeat = time.Now().UTC()
	}
}

// MarkUnhealthy permanently excludes the judge from new frozen sets
func (r *Registry) MarkUnhealthy(judgeID string) {
	r.setState(judgeID, data.JudgeUnhealthy, -1)
	r.logger.Warn("Judge marked unhealthy", zap.String("judge_id", judgeID))
}

func (r *Registry) setState(judgeID string, state data.JudgeState, restarts int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.judges[judgeID]; ok {
		reg.State = state
		if restarts >= 0 {
			reg.Restarts = restarts
		}
	}
}

// Get returns a copy of the judge's registration
func (r *Registry) Get(judgeID string) (*data.JudgeRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.judges[judgeID]
	if !ok {
		return nil, false
	}
	copied := *reg
	return &copied, true
}

// List returns copies of all registrations ordered by judge ID
func (r *Registry) List() []*data.JudgeRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*data.JudgeRegistration, 0, len(r.judges))
	for _, reg := range r.judges {
		copied := *reg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JudgeID < out[j].JudgeID })
	return out
}

// HealthySnapshot returns the IDs of judges currently eligible for new
// candidates: healthy state with a live heartbeat.
func (r *Registry) HealthySnapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-r.heartbeatExpiry)
	var ids []string
	for id, reg := range r.judges {
		if reg.IsHealthy(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ExpireStale marks healthy judges with lapsed heartbeats unhealthy.
// Returns how many judges were expired.
func (r *Registry) ExpireStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-r.heartbeatExpiry)
	expired := 0
	for id, reg := range r.judges {
		if reg.State == data.JudgeHealthy && !reg.LastHeartbeat.After(cutoff) {
			reg.State = data.JudgeUnhealthy
			expired++
			r.logger.Warn("Judge heartbeat expired",
				zap.String("judge_id", id),
				zap.Time("last_heartbeat", reg.LastHeartbeat))
		}
	}
	return expired
}
