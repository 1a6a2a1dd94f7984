package judge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"equation_consensus/pkg/data"
	"equation_consensus/pkg/security"
)

// stubJudge lets tests script arbitrary judge behavior
type stubJudge struct {
	id       string
	evaluate func(ctx context.Context, c *data.Candidate) (*data.Verdict, error)
}

func (s *stubJudge) ID() string   { return s.id }
func (s *stubJudge) Kind() string { return "stub" }
func (s *stubJudge) Evaluate(ctx context.Context, c *data.Candidate) (*data.Verdict, error) {
	return s.evaluate(ctx, c)
}

func TestRunnerSignsVerdicts(t *testing.T) {
	keyPair, err := security.GenerateKeyPair()
	require.NoError(t, err)
	crypto, err := security.NewCryptoManager(keyPair, "test-passphrase")
	require.NoError(t, err)

	var beats atomic.Int64
	runner := NewRunner(NewTheoremJudge("theorem-1"), time.Second, crypto,
		func(string) { beats.Add(1) }, zaptest.NewLogger(t))

	verdict, err := runner.Evaluate(context.Background(), makeCandidate(t, "x + 1 = 2"))
	require.NoError(t, err)
	assert.True(t, verdict.Accept)
	assert.True(t, crypto.VerifyVerdict(verdict, crypto.PublicKey()))
	assert.EqualValues(t, 1, beats.Load(), "heartbeat should fire on completion")
}

func TestRunnerTimeoutBecomesAbstention(t *testing.T) {
	slow := &stubJudge{id: "slow-1", evaluate: func(ctx context.Context, _ *data.Candidate) (*data.Verdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	runner := NewRunner(slow, 20*time.Millisecond, nil, nil, zaptest.NewLogger(t))

	start := time.Now()
	_, err := runner.Evaluate(context.Background(), makeCandidate(t, "x = 1"))
	assert.ErrorIs(t, err, ErrAbstain)
	assert.Less(t, time.Since(start), time.Second, "timeout must bound the evaluation")
}

func TestRunnerRecoversPanic(t *testing.T) {
	explosive := &stubJudge{id: "boom-1", evaluate: func(context.Context, *data.Candidate) (*data.Verdict, error) {
		panic("judge exploded")
	}}

	runner := NewRunner(explosive, time.Second, nil, nil, zaptest.NewLogger(t))

	_, err := runner.Evaluate(context.Background(), makeCandidate(t, "x = 1"))
	assert.ErrorIs(t, err, ErrAbstain)
}

func TestRunnerPropagatesJudgeAbstention(t *testing.T) {
	runner := NewRunner(NewNumericalJudge("numerical-1"), time.Second, nil, nil, zaptest.NewLogger(t))

	_, err := runner.Evaluate(context.Background(), makeCandidate(t, "x + 1 = 2"))
	assert.ErrorIs(t, err, ErrAbstain)
}

func TestRunnerRejectsInvalidVerdict(t *testing.T) {
	broken := &stubJudge{id: "broken-1", evaluate: func(_ context.Context, c *data.Candidate) (*data.Verdict, error) {
		return &data.Verdict{CandidateID: c.ID}, nil // missing ID, judge, timestamp
	}}

	runner := NewRunner(broken, time.Second, nil, nil, zaptest.NewLogger(t))

	_, err := runner.Evaluate(context.Background(), makeCandidate(t, "x = 1"))
	assert.ErrorIs(t, err, ErrAbstain)
}

func TestRunnerHonorsCallerCancellation(t *testing.T) {
	blocked := &stubJudge{id: "blocked-1", evaluate: func(ctx context.Context, _ *data.Candidate) (*data.Verdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	runner := NewRunner(blocked, time.Minute, nil, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := runner.Evaluate(ctx, makeCandidate(t, "x = 1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrAbstain))
}
