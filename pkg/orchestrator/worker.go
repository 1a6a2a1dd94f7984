package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"equation_consensus/pkg/channel"
	"equation_consensus/pkg/data"
	"equation_consensus/pkg/judge"
)

// JudgeWorker connects one judge runner to the channel: it consumes
// candidates in the judge's own consumer group and publishes verdicts,
// or abstentions when the judge cannot answer. Every judge having its
// own group is what gives the fan-out: each candidate reaches every judge.
type JudgeWorker struct {
	runner *judge.Runner
	broker *channel.Broker
	logger *zap.Logger
	fatal  chan error

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewJudgeWorker creates a channel-fed worker around a judge runner
func NewJudgeWorker(runner *judge.Runner, broker *channel.Broker, logger *zap.Logger) *JudgeWorker {
	return &JudgeWorker{
		runner:   runner,
		broker:   broker,
		logger:   logger,
		fatal:    make(chan error, 1),
		inflight: make(map[string]context.CancelFunc),
	}
}

func (w *JudgeWorker) ID() string   { return w.runner.ID() }
func (w *JudgeWorker) Kind() string { return w.runner.Kind() }

func (w *JudgeWorker) group() string {
	return "judge." + w.runner.ID()
}

// Run subscribes the worker and blocks until the context ends or a fatal
// error occurs. ready is invoked once the subscriptions are live, so the
// supervisor can hold the judge out of frozen sets until then. The group
// queue outlives the subscription: candidates arriving during a restart
// are evaluated afterwards.
func (w *JudgeWorker) Run(ctx context.Context, ready func()) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.broker.Subscribe(runCtx, channel.CandidatesTopic, w.group(), w.handle); err != nil {
		return fmt.Errorf("subscribing judge %s: %w", w.ID(), err)
	}
	if err := w.broker.Subscribe(runCtx, channel.CancelsTopic, w.group(), w.handleCancel); err != nil {
		return fmt.Errorf("subscribing judge %s to cancellations: %w", w.ID(), err)
	}
	if ready != nil {
		ready()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-w.fatal:
		return err
	}
}

func (w *JudgeWorker) handle(ctx context.Context, msg *channel.Message) error {
	var candidate data.Candidate
	if err := msg.Decode(&candidate); err != nil {
		// Malformed payloads cannot succeed on redelivery; drop them.
		w.logger.Error("Discarding undecodable candidate message",
			zap.String("judge_id", w.ID()),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil
	}

	evalCtx, cancelEval := context.WithCancel(ctx)
	w.track(candidate.ID, cancelEval)
	verdict, err := w.runner.Evaluate(evalCtx, &candidate)
	w.untrack(candidate.ID)
	cancelEval()

	if err != nil {
		if errors.Is(err, judge.ErrAbstain) {
			return w.reportAbstention(ctx, &candidate, err)
		}
		if ctx.Err() != nil {
			// Shutdown or restart in progress; let the message requeue.
			return ctx.Err()
		}
		if errors.Is(err, context.Canceled) {
			w.logger.Info("Evaluation cancelled",
				zap.String("judge_id", w.ID()),
				zap.String("candidate_id", candidate.ID))
			return nil
		}
		w.logger.Error("Judge evaluation failed",
			zap.String("judge_id", w.ID()),
			zap.String("candidate_id", candidate.ID),
			zap.Error(err))
		return nil
	}

	verdictMsg, err := channel.NewMessage(channel.VerdictMessage, verdict)
	if err != nil {
		return fmt.Errorf("wrapping verdict: %w", err)
	}
	if err := w.broker.Publish(ctx, channel.VerdictsTopic, verdictMsg); err != nil {
		// Exhausted publish retries mean the channel is wedged for this
		// worker; fail the worker so supervision restarts it, and let
		// the candidate redeliver.
		select {
		case w.fatal <- err:
		default:
		}
		return err
	}

	w.logger.Debug("Verdict published",
		zap.String("judge_id", w.ID()),
		zap.String("candidate_id", candidate.ID),
		zap.Bool("accept", verdict.Accept))
	return nil
}

// reportAbstention tells the coordinator this judge will not answer, so
// the candidate's quorum denominator shrinks instead of waiting out the
// deadline on a judge that already gave up.
func (w *JudgeWorker) reportAbstention(ctx context.Context, candidate *data.Candidate, cause error) error {
	w.logger.Info("Judge abstained",
		zap.String("judge_id", w.ID()),
		zap.String("candidate_id", candidate.ID),
		zap.Error(cause))

	abstention, err := data.NewAbstention(candidate.ID, w.ID(), cause.Error())
	if err != nil {
		return nil
	}
	msg, err := channel.NewMessage(channel.AbstentionMessage, abstention)
	if err != nil {
		return fmt.Errorf("wrapping abstention: %w", err)
	}
	if err := w.broker.Publish(ctx, channel.VerdictsTopic, msg); err != nil {
		select {
		case w.fatal <- err:
		default:
		}
		return err
	}
	return nil
}

// handleCancel cancels the in-flight evaluation of the named candidate,
// if this judge is currently running one
func (w *JudgeWorker) handleCancel(_ context.Context, msg *channel.Message) error {
	var cancellation data.Cancellation
	if err := msg.Decode(&cancellation); err != nil {
		w.logger.Error("Discarding undecodable cancellation message",
			zap.String("judge_id", w.ID()),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return nil
	}

	w.mu.Lock()
	cancelEval, inflight := w.inflight[cancellation.CandidateID]
	w.mu.Unlock()
	if inflight {
		w.logger.Info("Cancelling in-flight evaluation",
			zap.String("judge_id", w.ID()),
			zap.String("candidate_id", cancellation.CandidateID))
		cancelEval()
	}
	return nil
}

func (w *JudgeWorker) track(candidateID string, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[candidateID] = cancel
}

func (w *JudgeWorker) untrack(candidateID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, candidateID)
}
