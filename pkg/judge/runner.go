package judge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"equation_consensus/pkg/data"
	"equation_consensus/pkg/security"
)

// HeartbeatFunc records a liveness signal for a judge
type HeartbeatFunc func(judgeID string)

// Runner wraps a Judge with the execution policy every judge gets:
// a per-evaluation timeout, panic isolation, verdict signing and a
// heartbeat on completion. A panic or timeout becomes an abstention;
// it never takes down the pipeline.
type Runner struct {
	judge     Judge
	timeout   time.Duration
	crypto    *security.CryptoManager
	heartbeat HeartbeatFunc
	logger    *zap.Logger
}

// NewRunner wraps a judge with timeout, panic isolation and signing.
// crypto and heartbeat may be nil to disable signing and liveness reporting.
func NewRunner(j Judge, timeout time.Duration, crypto *security.CryptoManager, heartbeat HeartbeatFunc, logger *zap.Logger) *Runner {
	return &Runner{
		judge:     j,
		timeout:   timeout,
		crypto:    crypto,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// ID returns the wrapped judge's identity
func (r *Runner) ID() string { return r.judge.ID() }

// Kind returns the wrapped judge's kind
func (r *Runner) Kind() string { return r.judge.Kind() }

type evalResult struct {
	verdict *data.Verdict
	err     error
}

// Evaluate runs the wrapped judge under the configured timeout. The
// returned verdict is validated and signed. Timeouts, panics and judge
// errors all surface as errors wrapping ErrAbstain so the caller can
// treat them uniformly as non-responses.
func (r *Runner) Evaluate(ctx context.Context, candidate *data.Candidate) (*data.Verdict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultCh := make(chan evalResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Judge panicked during evaluation",
					zap.String("judge_id", r.judge.ID()),
					zap.String("candidate_id", candidate.ID),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				resultCh <- evalResult{err: fmt.Errorf("%w: judge panic: %v", ErrAbstain, rec)}
			}
		}()
		verdict, err := r.judge.Evaluate(evalCtx, candidate)
		resultCh <- evalResult{verdict: verdict, err: err}
	}()

	var res evalResult
	select {
	case res = <-resultCh:
	case <-evalCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; not the judge's fault.
			return nil, ctx.Err()
		}
		// The evaluation goroutine is left behind; it holds only the
		// candidate and cannot block anything.
		r.logger.Warn("Judge evaluation timed out",
			zap.String("judge_id", r.judge.ID()),
			zap.String("candidate_id", candidate.ID),
			zap.Duration("timeout", r.timeout))
		return nil, fmt.Errorf("%w: evaluation deadline exceeded", ErrAbstain)
	}

	if r.heartbeat != nil {
		r.heartbeat(r.judge.ID())
	}

	if res.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrAbstain, res.err)
	}

	verdict := res.verdict
	if err := verdict.Validate(); err != nil {
		return nil, fmt.Errorf("%w: judge produced invalid verdict: %v", ErrAbstain, err)
	}

	if r.crypto != nil {
		if err := r.crypto.SignVerdict(verdict); err != nil {
			return nil, fmt.Errorf("signing verdict: %w", err)
		}
	}
	return verdict, nil
}
