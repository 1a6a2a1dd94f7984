package data

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error variables for consistent error handling
var (
	ErrInvalidData       = errors.New("invalid data format")
	ErrInvalidID         = errors.New("invalid identifier")
	ErrInvalidConfidence = errors.New("confidence must be between 0 and 1")
	ErrInvalidTime       = errors.New("invalid timestamp")
	ErrEmptyPayload      = errors.New("payload cannot be empty")
)

// DecisionStatus marks how a candidate's evaluation terminated
type DecisionStatus string

const (
	DecisionDecided   DecisionStatus = "decided"
	DecisionAbandoned DecisionStatus = "abandoned"
)

// Candidate is a unit of work submitted for judgment. It is immutable once
// created; DedupKey keys the at-most-one-in-flight invariant.
type Candidate struct {
	ID          string    `json:"id"`
	DedupKey    string    `json:"dedup_key"`
	Payload     string    `json:"payload"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// DedupKeyFor derives the default deduplication key from a payload
func DedupKeyFor(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// NewCandidate creates a new Candidate instance with validation
func NewCandidate(payload, dedupKey string) (*Candidate, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	if dedupKey == "" {
		dedupKey = DedupKeyFor(payload)
	}

	return &Candidate{
		ID:          uuid.New().String(),
		DedupKey:    dedupKey,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Validate checks if the candidate is valid
func (c *Candidate) Validate() error {
	if c.ID == "" {
		return ErrInvalidID
	}
	if c.Payload == "" {
		return ErrEmptyPayload
	}
	if c.DedupKey == "" {
		return errors.New("dedup key cannot be empty")
	}
	if c.SubmittedAt.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// Verdict is one judge's accept/reject output for one candidate.
// A (CandidateID, JudgeID) pair is unique; verdicts are immutable once emitted.
type Verdict struct {
	ID          string    `json:"id"`
	CandidateID string    `json:"candidate_id"`
	JudgeID     string    `json:"judge_id"`
	Accept      bool      `json:"accept"`
	Confidence  float64   `json:"confidence"`
	Explanation string    `json:"explanation,omitempty"`
	Signature   []byte    `json:"signature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewVerdict creates a new Verdict instance
func NewVerdict(candidateID, judgeID string, accept bool, confidence float64, explanation string) (*Verdict, error) {
	if candidateID == "" {
		return nil, errors.New("candidate ID cannot be empty")
	}
	if judgeID == "" {
		return nil, errors.New("judge ID cannot be empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, ErrInvalidConfidence
	}

	return &Verdict{
		ID:          uuid.New().String(),
		CandidateID: candidateID,
		JudgeID:     judgeID,
		Accept:      accept,
		Confidence:  confidence,
		Explanation: explanation,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Validate checks if the verdict is valid
func (v *Verdict) Validate() error {
	if v.ID == "" {
		return ErrInvalidID
	}
	if v.CandidateID == "" {
		return errors.New("candidate ID cannot be empty")
	}
	if v.JudgeID == "" {
		return errors.New("judge ID cannot be empty")
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if v.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// SigningBytes returns the canonical bytes a judge signs for this verdict
func (v *Verdict) SigningBytes() []byte {
	sum := sha256.New()
	sum.Write([]byte(v.CandidateID))
	sum.Write([]byte(v.JudgeID))
	if v.Accept {
		sum.Write([]byte{1})
	} else {
		sum.Write([]byte{0})
	}
	sum.Write([]byte(v.Explanation))
	return sum.Sum(nil)
}

// Abstention is a judge's explicit non-answer for a candidate: the
// evaluation timed out, panicked, or the judge could not decide. The
// abstaining judge leaves the candidate's quorum denominator so the
// remaining responders can still reach a decision.
type Abstention struct {
	CandidateID string    `json:"candidate_id"`
	JudgeID     string    `json:"judge_id"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAbstention creates a new Abstention instance
func NewAbstention(candidateID, judgeID, reason string) (*Abstention, error) {
	if candidateID == "" {
		return nil, errors.New("candidate ID cannot be empty")
	}
	if judgeID == "" {
		return nil, errors.New("judge ID cannot be empty")
	}
	return &Abstention{
		CandidateID: candidateID,
		JudgeID:     judgeID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// Validate checks if the abstention is valid
func (a *Abstention) Validate() error {
	if a.CandidateID == "" {
		return errors.New("candidate ID cannot be empty")
	}
	if a.JudgeID == "" {
		return errors.New("judge ID cannot be empty")
	}
	if a.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// Cancellation asks in-flight judges to stop evaluating a candidate.
// Delivery is best-effort; a judge that misses it runs to completion
// and its verdict lands in the late-verdict path.
type Cancellation struct {
	CandidateID string    `json:"candidate_id"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision is the aggregated final outcome for a candidate. Exactly one
// Decision exists per candidate; persistence is idempotent on DedupKey.
type Decision struct {
	CandidateID string         `json:"candidate_id"`
	DedupKey    string         `json:"dedup_key"`
	Payload     string         `json:"payload"`
	Status      DecisionStatus `json:"status"`
	Accepted    bool           `json:"accepted"`
	Confidence  float64        `json:"confidence"`
	Verdicts    []*Verdict     `json:"verdicts"`
	Reason      string         `json:"reason,omitempty"`
	Revision    int            `json:"revision"`
	DecidedAt   time.Time      `json:"decided_at"`
}

// Validate checks if the decision is valid
func (d *Decision) Validate() error {
	if d.CandidateID == "" {
		return ErrInvalidID
	}
	if d.DedupKey == "" {
		return errors.New("dedup key cannot be empty")
	}
	if d.Status != DecisionDecided && d.Status != DecisionAbandoned {
		return errors.New("unknown decision status")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return ErrInvalidConfidence
	}
	if d.DecidedAt.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// JudgeState represents a judge's supervision state
type JudgeState string

const (
	JudgeHealthy    JudgeState = "healthy"
	JudgeRestarting JudgeState = "restarting"
	JudgeUnhealthy  JudgeState = "unhealthy"
)

// JudgeRegistration tracks a live judge's identity and health
type JudgeRegistration struct {
	JudgeID       string     `json:"judge_id"`
	Kind          string     `json:"kind"`
	State         JudgeState `json:"state"`
	Restarts      int        `json:"restarts"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	RegisteredAt  time.Time  `json:"registered_at"`
}

// IsHealthy reports whether the judge counts toward quorum denominators
func (r *JudgeRegistration) IsHealthy(heartbeatExpiry time.Time) bool {
	return r.State == JudgeHealthy && r.LastHeartbeat.After(heartbeatExpiry)
}
