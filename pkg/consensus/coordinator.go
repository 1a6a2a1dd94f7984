package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"equation_consensus/pkg/channel"
	"equation_consensus/pkg/config"
	"equation_consensus/pkg/data"
	"equation_consensus/pkg/utils"
)

var (
	// ErrNoHealthyJudges means no judge is available to form a frozen set
	ErrNoHealthyJudges = errors.New("no healthy judges available")
	// ErrShuttingDown rejects submissions during coordinator shutdown
	ErrShuttingDown = errors.New("coordinator shutting down")
)

// JudgeDirectory supplies the healthy judge set frozen per candidate
type JudgeDirectory interface {
	HealthySnapshot() []string
}

// Notifier receives submission events for best-effort fan-out to
// observers. Decisions are not notified here; they travel over the
// channel's decisions topic like any other pipeline output.
type Notifier interface {
	NotifyPending(candidate *data.Candidate)
}

// SubmitResult reports what happened to a submission
type SubmitResult struct {
	CandidateID string `json:"candidate_id"`
	DedupKey    string `json:"dedup_key"`
	Status      string `json:"status"`
	Duplicate   bool   `json:"duplicate"`
}

// Stats summarizes coordinator activity since startup
type Stats struct {
	Submitted int64 `json:"submitted"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Abandoned int64 `json:"abandoned"`
	Pending   int   `json:"pending"`
}

// Coordinator runs the fan-out/fan-in consensus pipeline. A submission
// opens a session against a frozen judge set; verdicts stream back over
// the channel; exactly one decision per candidate is persisted and
// broadcast, whether the session completes, times out or is cancelled.
type Coordinator struct {
	logger   *zap.Logger
	cfg      *config.PipelineConfig
	broker   *channel.Broker
	judges   JudgeDirectory
	repo     data.Repository
	notifier Notifier

	mu       sync.Mutex
	pending  map[string]*session // keyed by dedup key
	byID     map[string]string   // candidate ID -> dedup key
	recently map[string]time.Time
	closed   bool

	submitted atomic.Int64
	accepted  atomic.Int64
	rejected  atomic.Int64
	abandoned atomic.Int64
}

// NewCoordinator creates a consensus coordinator. notifier may be nil.
func NewCoordinator(cfg *config.PipelineConfig, broker *channel.Broker, judges JudgeDirectory, repo data.Repository, notifier Notifier, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:   logger,
		cfg:      cfg,
		broker:   broker,
		judges:   judges,
		repo:     repo,
		notifier: notifier,
		pending:  make(map[string]*session),
		byID:     make(map[string]string),
		recently: make(map[string]time.Time),
	}
}

// Start subscribes the coordinator to the verdict stream and registers
// the channel drop handler so expired candidates fail loudly.
func (c *Coordinator) Start(ctx context.Context) error {
	c.broker.OnDrop(c.handleDrop)
	if err := c.broker.Subscribe(ctx, channel.VerdictsTopic, "coordinator", c.handleVerdict); err != nil {
		return fmt.Errorf("subscribing to verdicts: %w", err)
	}
	c.logger.Info("Consensus coordinator started",
		zap.Duration("decision_timeout", c.cfg.DecisionTimeout),
		zap.Float64("min_responder_fraction", c.cfg.MinResponderFraction),
		zap.Bool("tie_accept", c.cfg.TieAccept))
	return nil
}

// Submit enters a candidate into the pipeline. A dedup key already in
// flight returns the existing candidate without a new fan-out; a key
// already decided starts a re-evaluation whose decision revises the
// stored one.
func (c *Coordinator) Submit(ctx context.Context, candidate *data.Candidate) (*SubmitResult, error) {
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, inFlight := c.pending[candidate.DedupKey]; inFlight {
		result := &SubmitResult{
			CandidateID: existing.candidate.ID,
			DedupKey:    candidate.DedupKey,
			Status:      existing.state.String(),
			Duplicate:   true,
		}
		c.mu.Unlock()
		c.logger.Debug("Duplicate submission",
			zap.String("dedup_key", candidate.DedupKey),
			zap.String("candidate_id", result.CandidateID))
		return result, nil
	}

	frozen := c.judges.HealthySnapshot()
	if len(frozen) == 0 {
		c.mu.Unlock()
		return nil, ErrNoHealthyJudges
	}

	s := newSession(candidate, frozen, c.cfg.DecisionTimeout)
	s.timer = time.AfterFunc(c.cfg.DecisionTimeout, func() {
		c.timeoutSession(candidate.ID)
	})
	c.pending[candidate.DedupKey] = s
	c.byID[candidate.ID] = candidate.DedupKey
	c.mu.Unlock()

	msg, err := channel.NewMessage(channel.CandidateMessage, candidate)
	if err == nil {
		err = c.broker.Publish(ctx, channel.CandidatesTopic, msg)
	}
	if err != nil {
		c.removeSession(candidate.ID)
		return nil, fmt.Errorf("fanning out candidate: %w", err)
	}

	c.submitted.Add(1)
	if c.notifier != nil {
		c.notifier.NotifyPending(candidate)
	}
	c.logger.Info("Candidate submitted",
		zap.String("candidate_id", candidate.ID),
		zap.String("dedup_key", candidate.DedupKey),
		zap.Int("frozen_judges", len(frozen)))

	return &SubmitResult{
		CandidateID: candidate.ID,
		DedupKey:    candidate.DedupKey,
		Status:      statePending.String(),
	}, nil
}

// Cancel abandons an in-flight candidate on behalf of the caller and
// broadcasts a best-effort cancellation to in-flight judges
func (c *Coordinator) Cancel(candidateID string) error {
	c.mu.Lock()
	s := c.lookupLocked(candidateID)
	if s == nil || s.state != statePending {
		c.mu.Unlock()
		return data.ErrNotFound
	}
	c.mu.Unlock()

	c.publishCancellation(candidateID, "cancelled by caller")
	c.concludeSession(candidateID, "cancelled by caller", true)
	return nil
}

// publishCancellation tells judge workers to stop evaluating the
// candidate. Best-effort: a judge that misses the signal runs to
// completion and its verdict is discarded as late.
func (c *Coordinator) publishCancellation(candidateID, reason string) {
	msg, err := channel.NewMessage(channel.CancelMessage, &data.Cancellation{
		CandidateID: candidateID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = c.broker.Publish(ctx, channel.CancelsTopic, msg)
	}
	if err != nil {
		c.logger.Warn("Cancellation broadcast failed",
			zap.String("candidate_id", candidateID),
			zap.Error(err))
	}
}

// PendingCount reports the number of in-flight sessions
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stats returns pipeline counters
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	return Stats{
		Submitted: c.submitted.Load(),
		Accepted:  c.accepted.Load(),
		Rejected:  c.rejected.Load(),
		Abandoned: c.abandoned.Load(),
		Pending:   pending,
	}
}

// SweepPending abandons sessions past their deadline. The per-session
// timer already covers this; the sweep is the scheduler-driven backstop
// that also ages out late-verdict bookkeeping.
func (c *Coordinator) SweepPending() int {
	now := time.Now().UTC()

	c.mu.Lock()
	var overdue []string
	for _, s := range c.pending {
		if s.state == statePending && now.After(s.deadline) {
			overdue = append(overdue, s.candidate.ID)
		}
	}
	cutoff := now.Add(-c.cfg.LateVerdictWindow)
	for id, decidedAt := range c.recently {
		if decidedAt.Before(cutoff) {
			delete(c.recently, id)
		}
	}
	c.mu.Unlock()

	for _, id := range overdue {
		c.timeoutSession(id)
	}
	return len(overdue)
}

// Close abandons every in-flight session and stops accepting submissions
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	var ids []string
	for _, s := range c.pending {
		ids = append(ids, s.candidate.ID)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.concludeSession(id, "pipeline shutdown", true)
	}
	c.logger.Info("Consensus coordinator closed", zap.Int("abandoned_sessions", len(ids)))
}

// handleVerdict routes an incoming verdict or abstention to its session
func (c *Coordinator) handleVerdict(ctx context.Context, msg *channel.Message) error {
	if msg.Type == channel.AbstentionMessage {
		return c.handleAbstention(msg)
	}

	var verdict data.Verdict
	if err := msg.Decode(&verdict); err != nil {
		c.logger.Error("Discarding undecodable verdict message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil
	}
	if err := verdict.Validate(); err != nil {
		c.logger.Warn("Discarding invalid verdict",
			zap.String("candidate_id", verdict.CandidateID),
			zap.String("judge_id", verdict.JudgeID),
			zap.Error(err))
		return nil
	}

	c.mu.Lock()
	s := c.lookupLocked(verdict.CandidateID)
	if s == nil || s.state != statePending {
		decidedAt, known := c.recently[verdict.CandidateID]
		c.mu.Unlock()
		c.logLateVerdict(&verdict, decidedAt, known)
		return nil
	}

	if !s.addVerdict(&verdict) {
		c.mu.Unlock()
		c.logger.Debug("Ignoring verdict outside frozen set or duplicate",
			zap.String("candidate_id", verdict.CandidateID),
			zap.String("judge_id", verdict.JudgeID))
		return nil
	}
	done := s.complete()
	c.mu.Unlock()

	c.logger.Debug("Verdict recorded",
		zap.String("candidate_id", verdict.CandidateID),
		zap.String("judge_id", verdict.JudgeID),
		zap.Bool("accept", verdict.Accept))

	if done {
		c.concludeSession(verdict.CandidateID, "", false)
	}
	return nil
}

// handleAbstention shrinks a session's frozen set when a judge declares
// it cannot answer. With the abstainer out of the denominator the
// remaining responders may already satisfy completion and quorum.
func (c *Coordinator) handleAbstention(msg *channel.Message) error {
	var abstention data.Abstention
	if err := msg.Decode(&abstention); err != nil {
		c.logger.Error("Discarding undecodable abstention message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil
	}
	if err := abstention.Validate(); err != nil {
		c.logger.Warn("Discarding invalid abstention",
			zap.String("candidate_id", abstention.CandidateID),
			zap.String("judge_id", abstention.JudgeID),
			zap.Error(err))
		return nil
	}

	c.mu.Lock()
	s := c.lookupLocked(abstention.CandidateID)
	if s == nil || s.state != statePending {
		c.mu.Unlock()
		return nil
	}
	if !s.abstain(abstention.JudgeID) {
		c.mu.Unlock()
		return nil
	}
	done := s.complete()
	c.mu.Unlock()

	c.logger.Info("Judge abstained from candidate",
		zap.String("candidate_id", abstention.CandidateID),
		zap.String("judge_id", abstention.JudgeID),
		zap.String("reason", abstention.Reason))

	if done {
		c.concludeSession(abstention.CandidateID, "", false)
	}
	return nil
}

// handleDrop reacts to channel retention expiry. A dropped candidate
// message means judges never saw the work; the submission fails as
// abandoned instead of hanging until its own deadline.
func (c *Coordinator) handleDrop(topicName, groupName string, msg *channel.Message) {
	if msg.Type != channel.CandidateMessage {
		return
	}
	var candidate data.Candidate
	if err := msg.Decode(&candidate); err != nil {
		return
	}

	c.mu.Lock()
	s := c.lookupLocked(candidate.ID)
	alive := s != nil && s.state == statePending
	c.mu.Unlock()
	if !alive {
		return
	}

	c.logger.Warn("Candidate expired in channel before evaluation",
		zap.String("candidate_id", candidate.ID),
		zap.String("group", groupName))
	c.concludeSession(candidate.ID, "channel retention expired before delivery", true)
}

func (c *Coordinator) timeoutSession(candidateID string) {
	c.concludeSession(candidateID, "decision timeout", false)
}

// concludeSession drives a session out of the pending state exactly once.
// forceAbandon skips aggregation (cancellation, shutdown, channel drop);
// otherwise timeout and completion share the same aggregation path.
func (c *Coordinator) concludeSession(candidateID, abandonReason string, forceAbandon bool) {
	c.mu.Lock()
	s := c.lookupLocked(candidateID)
	if s == nil || s.state != statePending {
		c.mu.Unlock()
		return
	}
	s.state = stateDeciding
	if s.timer != nil {
		s.timer.Stop()
	}
	verdicts := s.verdictList()
	frozenSize := len(s.frozen)
	candidate := s.candidate
	c.mu.Unlock()

	decision := &data.Decision{
		CandidateID: candidate.ID,
		DedupKey:    candidate.DedupKey,
		Payload:     candidate.Payload,
		Verdicts:    verdicts,
		DecidedAt:   time.Now().UTC(),
	}

	var finalState sessionState
	if forceAbandon {
		decision.Status = data.DecisionAbandoned
		decision.Reason = abandonReason
		finalState = stateAbandoned
	} else {
		o := aggregate(frozenSize, verdicts, c.cfg.MinResponderFraction, c.cfg.TieAccept)
		if o.quorumMet {
			decision.Status = data.DecisionDecided
			decision.Accepted = o.accepted
			decision.Confidence = o.confidence
			decision.Reason = o.reason
			finalState = stateDecided
		} else {
			decision.Status = data.DecisionAbandoned
			decision.Reason = o.reason
			finalState = stateAbandoned
		}
	}

	c.persistDecision(decision)
	c.finishSession(candidate.ID, finalState)
	c.publishDecision(decision)

	switch {
	case decision.Status == data.DecisionAbandoned:
		c.abandoned.Add(1)
	case decision.Accepted:
		c.accepted.Add(1)
	default:
		c.rejected.Add(1)
	}

	c.logger.Info("Decision reached",
		zap.String("candidate_id", candidate.ID),
		zap.String("status", string(decision.Status)),
		zap.Bool("accepted", decision.Accepted),
		zap.Float64("confidence", decision.Confidence),
		zap.Int("verdicts", len(verdicts)),
		zap.String("reason", decision.Reason))
}

// persistDecision saves with retries; persistence failure is logged, not
// fatal, so the pipeline keeps flowing. The decision still broadcasts.
func (c *Coordinator) persistDecision(decision *data.Decision) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := utils.RetryWithBackoff(ctx, func() error {
		return c.repo.SaveDecision(ctx, decision)
	}, nil)
	if err != nil {
		c.logger.Error("Failed to persist decision",
			zap.String("candidate_id", decision.CandidateID),
			zap.Error(err))
	}
}

func (c *Coordinator) publishDecision(decision *data.Decision) {
	msg, err := channel.NewMessage(channel.DecisionMessage, decision)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = c.broker.Publish(ctx, channel.DecisionsTopic, msg)
	}
	if err != nil {
		c.logger.Warn("Decision broadcast failed",
			zap.String("candidate_id", decision.CandidateID),
			zap.Error(err))
	}
}

// finishSession removes the pending entry and records the candidate for
// the late-verdict window
func (c *Coordinator) finishSession(candidateID string, finalState sessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dedupKey, ok := c.byID[candidateID]
	if !ok {
		return
	}
	if s, live := c.pending[dedupKey]; live {
		s.state = finalState
	}
	delete(c.pending, dedupKey)
	delete(c.byID, candidateID)
	c.recently[candidateID] = time.Now().UTC()
}

func (c *Coordinator) removeSession(candidateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dedupKey, ok := c.byID[candidateID]
	if !ok {
		return
	}
	if s, live := c.pending[dedupKey]; live && s.timer != nil {
		s.timer.Stop()
	}
	delete(c.pending, dedupKey)
	delete(c.byID, candidateID)
}

// lookupLocked resolves a candidate ID to its live session; callers hold c.mu
func (c *Coordinator) lookupLocked(candidateID string) *session {
	dedupKey, ok := c.byID[candidateID]
	if !ok {
		return nil
	}
	return c.pending[dedupKey]
}

func (c *Coordinator) logLateVerdict(v *data.Verdict, decidedAt time.Time, known bool) {
	if known {
		c.logger.Warn("Late verdict after decision",
			zap.String("candidate_id", v.CandidateID),
			zap.String("judge_id", v.JudgeID),
			zap.Duration("lateness", time.Since(decidedAt)))
		return
	}
	c.logger.Warn("Verdict for unknown candidate",
		zap.String("candidate_id", v.CandidateID),
		zap.String("judge_id", v.JudgeID))
}
