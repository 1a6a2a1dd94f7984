package data

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository implementation used by tests
// and by the pipeline when no database is configured. It mirrors the
// idempotent upsert semantics of PostgresRepository.
type MemoryRepository struct {
	mu        sync.RWMutex
	decisions map[string]*Decision // keyed by dedup key
	verdicts  map[string][]*Verdict
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		decisions: make(map[string]*Decision),
		verdicts:  make(map[string][]*Verdict),
	}
}

// SaveDecision stores a decision idempotently on its dedup key
func (m *MemoryRepository) SaveDecision(ctx context.Context, decision *Decision) error {
	if err := decision.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneDecision(decision)
	if existing, ok := m.decisions[decision.DedupKey]; ok {
		if existing.Status == decision.Status &&
			existing.Accepted == decision.Accepted &&
			existing.Confidence == decision.Confidence &&
			existing.Reason == decision.Reason {
			// Re-delivery of the same decision: no-op success
			return nil
		}
		stored.Revision = existing.Revision + 1
	}
	m.decisions[decision.DedupKey] = stored

	for _, verdict := range decision.Verdicts {
		m.addVerdictLocked(verdict)
	}

	return nil
}

func (m *MemoryRepository) addVerdictLocked(verdict *Verdict) {
	for _, existing := range m.verdicts[verdict.CandidateID] {
		if existing.JudgeID == verdict.JudgeID {
			return
		}
	}
	m.verdicts[verdict.CandidateID] = append(m.verdicts[verdict.CandidateID], verdict)
}

// GetDecision retrieves a decision by candidate ID
func (m *MemoryRepository) GetDecision(ctx context.Context, candidateID string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, decision := range m.decisions {
		if decision.CandidateID == candidateID {
			return m.withVerdictsLocked(decision), nil
		}
	}
	return nil, ErrNotFound
}

// GetDecisionByDedupKey retrieves a decision by deduplication key
func (m *MemoryRepository) GetDecisionByDedupKey(ctx context.Context, dedupKey string) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	decision, ok := m.decisions[dedupKey]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withVerdictsLocked(decision), nil
}

// ListDecisions retrieves decisions matching the filter, newest first
func (m *MemoryRepository) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, ErrInvalidFilter
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Decision
	for _, decision := range m.decisions {
		if filter.Accepted != nil && decision.Accepted != *filter.Accepted {
			continue
		}
		if filter.MinConfidence != nil && decision.Confidence < *filter.MinConfidence {
			continue
		}
		if filter.Since != nil && decision.DecidedAt.Before(*filter.Since) {
			continue
		}
		if filter.Status != "" && decision.Status != filter.Status {
			continue
		}
		results = append(results, m.withVerdictsLocked(decision))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].DecidedAt.After(results[j].DecidedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return nil, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	return results, nil
}

// GetVerdictsByCandidate retrieves the verdict trail for a candidate
func (m *MemoryRepository) GetVerdictsByCandidate(ctx context.Context, candidateID string) ([]*Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	verdicts := make([]*Verdict, len(m.verdicts[candidateID]))
	copy(verdicts, m.verdicts[candidateID])
	return verdicts, nil
}

// GetVerdictsByJudge retrieves all verdicts emitted by a judge
func (m *MemoryRepository) GetVerdictsByJudge(ctx context.Context, judgeID string) ([]*Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var verdicts []*Verdict
	for _, trail := range m.verdicts {
		for _, verdict := range trail {
			if verdict.JudgeID == judgeID {
				verdicts = append(verdicts, verdict)
			}
		}
	}
	sort.Slice(verdicts, func(i, j int) bool {
		return verdicts[i].Timestamp.After(verdicts[j].Timestamp)
	})
	return verdicts, nil
}

// Stats returns aggregate counts of stored outcomes
func (m *MemoryRepository) Stats(ctx context.Context) (*DecisionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &DecisionStats{}
	for _, decision := range m.decisions {
		switch {
		case decision.Status == DecisionAbandoned:
			stats.Abandoned++
		case decision.Accepted:
			stats.Accepted++
		default:
			stats.Rejected++
		}
	}
	return stats, nil
}

func (m *MemoryRepository) withVerdictsLocked(decision *Decision) *Decision {
	out := cloneDecision(decision)
	out.Verdicts = make([]*Verdict, len(m.verdicts[decision.CandidateID]))
	copy(out.Verdicts, m.verdicts[decision.CandidateID])
	return out
}

func cloneDecision(decision *Decision) *Decision {
	out := *decision
	out.Verdicts = nil
	out.DecidedAt = decision.DecidedAt.UTC().Truncate(time.Microsecond)
	return &out
}
