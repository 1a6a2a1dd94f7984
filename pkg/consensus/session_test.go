package consensus

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equation_consensus/pkg/data"
)

func verdictFor(t *testing.T, judgeID string, accept bool, confidence float64) *data.Verdict {
	t.Helper()
	v, err := data.NewVerdict("candidate-1", judgeID, accept, confidence, "")
	require.NoError(t, err)
	return v
}

func TestAggregateAllCombinationsN3(t *testing.T) {
	// Every accept/reject combination for three responding judges:
	// accepted exactly when at least two of three accept.
	for mask := 0; mask < 8; mask++ {
		accepts := 0
		verdicts := make([]*data.Verdict, 3)
		for i := 0; i < 3; i++ {
			accept := mask&(1<<i) != 0
			if accept {
				accepts++
			}
			verdicts[i] = verdictFor(t, fmt.Sprintf("j%d", i+1), accept, 0.8)
		}

		o := aggregate(3, verdicts, 1.0, false)
		require.True(t, o.quorumMet)
		assert.Equal(t, accepts >= 2, o.accepted, "combination %03b", mask)
	}
}

func TestAggregateOrderIndependence(t *testing.T) {
	verdicts := []*data.Verdict{
		verdictFor(t, "j1", true, 0.9),
		verdictFor(t, "j2", true, 0.7),
		verdictFor(t, "j3", false, 0.6),
		verdictFor(t, "j4", true, 0.8),
		verdictFor(t, "j5", false, 0.5),
	}

	reference := aggregate(5, verdicts, 1.0, false)
	for i := 0; i < 20; i++ {
		shuffled := make([]*data.Verdict, len(verdicts))
		copy(shuffled, verdicts)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		assert.Equal(t, reference, aggregate(5, shuffled, 1.0, false))
	}
}

func TestAggregateTiePolicy(t *testing.T) {
	verdicts := []*data.Verdict{
		verdictFor(t, "j1", true, 0.9),
		verdictFor(t, "j2", false, 0.5),
	}

	rejectTie := aggregate(2, verdicts, 1.0, false)
	require.True(t, rejectTie.quorumMet)
	assert.False(t, rejectTie.accepted, "default tie policy rejects")
	assert.InDelta(t, 0.5, rejectTie.confidence, 1e-9, "confidence follows the winning side")

	acceptTie := aggregate(2, verdicts, 1.0, true)
	assert.True(t, acceptTie.accepted)
	assert.InDelta(t, 0.9, acceptTie.confidence, 1e-9)
}

func TestAggregateConfidenceIsWinningSideMean(t *testing.T) {
	verdicts := []*data.Verdict{
		verdictFor(t, "j1", true, 1.0),
		verdictFor(t, "j2", true, 0.5),
		verdictFor(t, "j3", false, 0.1),
	}
	o := aggregate(3, verdicts, 1.0, false)
	require.True(t, o.accepted)
	assert.InDelta(t, 0.75, o.confidence, 1e-9)
}

func TestAggregateQuorumGate(t *testing.T) {
	verdicts := []*data.Verdict{verdictFor(t, "j1", true, 0.9)}

	t.Run("full fraction needs everyone", func(t *testing.T) {
		o := aggregate(3, verdicts, 1.0, false)
		assert.False(t, o.quorumMet)
	})

	t.Run("lower fraction allows partial", func(t *testing.T) {
		o := aggregate(3, verdicts, 1.0/3.0, false)
		require.True(t, o.quorumMet)
		assert.True(t, o.accepted)
	})

	t.Run("no responders never meets quorum", func(t *testing.T) {
		o := aggregate(3, nil, 0, false)
		assert.False(t, o.quorumMet)
	})
}

func TestSessionFrozenSet(t *testing.T) {
	candidate, err := data.NewCandidate("x = 1", "")
	require.NoError(t, err)
	s := newSession(candidate, []string{"j1", "j2"}, 0)

	assert.True(t, s.addVerdict(verdictFor(t, "j1", true, 0.9)))
	assert.False(t, s.addVerdict(verdictFor(t, "j1", false, 0.1)), "duplicate judge rejected")
	assert.False(t, s.addVerdict(verdictFor(t, "j9", true, 0.9)), "judge outside frozen set rejected")
	assert.False(t, s.complete())

	assert.True(t, s.addVerdict(verdictFor(t, "j2", true, 0.9)))
	assert.True(t, s.complete())

	list := s.verdictList()
	require.Len(t, list, 2)
	assert.Equal(t, "j1", list[0].JudgeID)
	assert.True(t, list[0].Accept, "first verdict wins over the duplicate")
}

func TestSessionAbstainShrinksFrozenSet(t *testing.T) {
	candidate, err := data.NewCandidate("x = 1", "")
	require.NoError(t, err)
	s := newSession(candidate, []string{"j1", "j2", "j3"}, 0)

	require.True(t, s.addVerdict(verdictFor(t, "j1", true, 0.9)))
	assert.False(t, s.abstain("j1"), "abstain after a verdict is ignored")
	assert.False(t, s.abstain("j9"), "judge outside frozen set cannot abstain")
	assert.False(t, s.complete())

	assert.True(t, s.abstain("j3"))
	assert.False(t, s.abstain("j3"), "repeated abstention is a no-op")
	assert.False(t, s.complete(), "j2 still outstanding")

	require.True(t, s.addVerdict(verdictFor(t, "j2", false, 0.6)))
	assert.True(t, s.complete(), "session completes against the shrunken set")
	assert.Len(t, s.verdictList(), 2)
}
