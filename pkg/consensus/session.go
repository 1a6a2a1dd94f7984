package consensus

import (
	"fmt"
	"math"
	"sort"
	"time"

	"equation_consensus/pkg/data"
)

// sessionState tracks a candidate's progress through evaluation
type sessionState int

const (
	statePending sessionState = iota
	stateDeciding
	stateDecided
	stateAbandoned
)

func (s sessionState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateDeciding:
		return "deciding"
	case stateDecided:
		return "decided"
	case stateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// session is the in-flight evaluation of one candidate. The judge set is
// frozen at creation; judges joining later never count for this candidate.
// Sessions are guarded by the coordinator's lock, not their own.
type session struct {
	candidate *data.Candidate
	frozen    map[string]struct{}
	verdicts  map[string]*data.Verdict
	state     sessionState
	createdAt time.Time
	deadline  time.Time
	timer     *time.Timer
}

func newSession(candidate *data.Candidate, frozenJudges []string, timeout time.Duration) *session {
	frozen := make(map[string]struct{}, len(frozenJudges))
	for _, id := range frozenJudges {
		frozen[id] = struct{}{}
	}
	now := time.Now().UTC()
	return &session{
		candidate: candidate,
		frozen:    frozen,
		verdicts:  make(map[string]*data.Verdict),
		state:     statePending,
		createdAt: now,
		deadline:  now.Add(timeout),
	}
}

// addVerdict records a verdict from a frozen-set judge. It reports whether
// the verdict was recorded (false for unknown judges and duplicates).
func (s *session) addVerdict(v *data.Verdict) bool {
	if s.state != statePending {
		return false
	}
	if _, ok := s.frozen[v.JudgeID]; !ok {
		return false
	}
	if _, dup := s.verdicts[v.JudgeID]; dup {
		return false
	}
	s.verdicts[v.JudgeID] = v
	return true
}

// abstain removes an abstaining judge from the frozen set so the quorum
// denominator reflects only judges that can still answer. A judge that
// already returned a verdict stays counted. Reports whether the frozen
// set changed.
func (s *session) abstain(judgeID string) bool {
	if s.state != statePending {
		return false
	}
	if _, ok := s.frozen[judgeID]; !ok {
		return false
	}
	if _, answered := s.verdicts[judgeID]; answered {
		return false
	}
	delete(s.frozen, judgeID)
	return true
}

// complete reports whether every frozen judge has responded
func (s *session) complete() bool {
	return len(s.verdicts) == len(s.frozen)
}

// verdictList returns the collected verdicts in deterministic judge order
func (s *session) verdictList() []*data.Verdict {
	out := make([]*data.Verdict, 0, len(s.verdicts))
	for _, v := range s.verdicts {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JudgeID < out[j].JudgeID })
	return out
}

// outcome is the result of aggregating a verdict set
type outcome struct {
	quorumMet  bool
	accepted   bool
	confidence float64
	reason     string
	accepts    int
	responders int
}

// aggregate reduces a verdict set to an outcome. It is a pure function of
// the set: verdict arrival order never influences the result.
//
// Accept requires a strict majority of responders; an exact tie follows
// the tieAccept policy. The quorum gate requires at least
// ceil(minResponderFraction * frozenSize) responders.
func aggregate(frozenSize int, verdicts []*data.Verdict, minResponderFraction float64, tieAccept bool) outcome {
	responders := len(verdicts)
	needed := int(math.Ceil(minResponderFraction * float64(frozenSize)))
	if needed < 1 {
		needed = 1
	}

	o := outcome{responders: responders}
	if responders < needed {
		o.reason = fmt.Sprintf("quorum not met: %d of %d required responders", responders, needed)
		return o
	}
	o.quorumMet = true

	accepts := 0
	var acceptConf, rejectConf float64
	for _, v := range verdicts {
		if v.Accept {
			accepts++
			acceptConf += v.Confidence
		} else {
			rejectConf += v.Confidence
		}
	}
	rejects := responders - accepts
	o.accepts = accepts

	switch {
	case accepts > rejects:
		o.accepted = true
	case accepts < rejects:
		o.accepted = false
	default:
		o.accepted = tieAccept
	}

	if o.accepted {
		if accepts > 0 {
			o.confidence = acceptConf / float64(accepts)
		}
	} else {
		if rejects > 0 {
			o.confidence = rejectConf / float64(rejects)
		}
	}

	o.reason = fmt.Sprintf("%d of %d responders accepted", accepts, responders)
	return o
}
