package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrInvalidFilter = errors.New("invalid filter parameters")
)

// Repository defines the interface for decision persistence
type Repository interface {
	// Decision operations. SaveDecision is idempotent on the decision's
	// dedup key: re-delivery of an identical decision is a no-op success,
	// a changed decision for the same key bumps the revision.
	SaveDecision(ctx context.Context, decision *Decision) error
	GetDecision(ctx context.Context, candidateID string) (*Decision, error)
	GetDecisionByDedupKey(ctx context.Context, dedupKey string) (*Decision, error)
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error)

	// Verdict trail operations
	GetVerdictsByCandidate(ctx context.Context, candidateID string) ([]*Verdict, error)
	GetVerdictsByJudge(ctx context.Context, judgeID string) ([]*Verdict, error)

	// Stats reports aggregate pipeline outcomes
	Stats(ctx context.Context) (*DecisionStats, error)
}

// DecisionFilter defines filter parameters for decision queries
type DecisionFilter struct {
	Accepted      *bool
	MinConfidence *float64
	Since         *time.Time
	Status        DecisionStatus
	Limit         int
	Offset        int
}

// DecisionStats summarizes stored outcomes
type DecisionStats struct {
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Abandoned int64 `json:"abandoned"`
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository instance
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// SaveDecision persists a decision and its verdict trail. The operation is
// transactionally idempotent on the dedup key to tolerate at-least-once
// delivery from the message channel.
func (r *PostgresRepository) SaveDecision(ctx context.Context, decision *Decision) error {
	if err := decision.Validate(); err != nil {
		return fmt.Errorf("validating decision: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO decisions (
			dedup_key, candidate_id, payload, status, accepted, confidence,
			reason, revision, decided_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (dedup_key) DO NOTHING`

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, insert,
		decision.DedupKey, decision.CandidateID, decision.Payload,
		decision.Status, decision.Accepted, decision.Confidence,
		decision.Reason, decision.Revision, decision.DecidedAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// A record already exists for this key. Re-delivery of the same
		// decision is a no-op; changed content appends a new revision.
		existing := &Decision{}
		err := tx.QueryRow(ctx,
			`SELECT status, accepted, confidence, reason, revision
			 FROM decisions WHERE dedup_key = $1`,
			decision.DedupKey,
		).Scan(&existing.Status, &existing.Accepted, &existing.Confidence,
			&existing.Reason, &existing.Revision)
		if err != nil {
			return fmt.Errorf("reading existing decision: %w", err)
		}

		if existing.Status != decision.Status ||
			existing.Accepted != decision.Accepted ||
			existing.Confidence != decision.Confidence ||
			existing.Reason != decision.Reason {
			update := `
				UPDATE decisions
				SET candidate_id = $1, status = $2, accepted = $3,
					confidence = $4, reason = $5, revision = revision + 1,
					decided_at = $6, updated_at = $7
				WHERE dedup_key = $8`
			if _, err := tx.Exec(ctx, update,
				decision.CandidateID, decision.Status, decision.Accepted,
				decision.Confidence, decision.Reason, decision.DecidedAt,
				now, decision.DedupKey,
			); err != nil {
				return fmt.Errorf("updating decision revision: %w", err)
			}
		}
	}

	for _, verdict := range decision.Verdicts {
		if err := r.saveVerdictTx(ctx, tx, verdict); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing decision: %w", err)
	}

	return nil
}

func (r *PostgresRepository) saveVerdictTx(ctx context.Context, tx pgx.Tx, verdict *Verdict) error {
	if err := verdict.Validate(); err != nil {
		return fmt.Errorf("validating verdict: %w", err)
	}

	query := `
		INSERT INTO verdicts (
			id, candidate_id, judge_id, accept, confidence,
			explanation, signature, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (candidate_id, judge_id) DO NOTHING`

	_, err := tx.Exec(ctx, query,
		verdict.ID, verdict.CandidateID, verdict.JudgeID, verdict.Accept,
		verdict.Confidence, verdict.Explanation, verdict.Signature, verdict.Timestamp,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			// Same verdict arriving under a different row ID: already stored.
			return nil
		}
		return fmt.Errorf("inserting verdict: %w", err)
	}

	return nil
}

const decisionColumns = `dedup_key, candidate_id, payload, status, accepted,
	confidence, reason, revision, decided_at`

// GetDecision retrieves a decision by candidate ID
func (r *PostgresRepository) GetDecision(ctx context.Context, candidateID string) (*Decision, error) {
	query := fmt.Sprintf(`SELECT %s FROM decisions WHERE candidate_id = $1`, decisionColumns)
	return r.queryDecision(ctx, query, candidateID)
}

// GetDecisionByDedupKey retrieves a decision by deduplication key
func (r *PostgresRepository) GetDecisionByDedupKey(ctx context.Context, dedupKey string) (*Decision, error) {
	query := fmt.Sprintf(`SELECT %s FROM decisions WHERE dedup_key = $1`, decisionColumns)
	return r.queryDecision(ctx, query, dedupKey)
}

func (r *PostgresRepository) queryDecision(ctx context.Context, query string, arg interface{}) (*Decision, error) {
	decision := &Decision{}
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&decision.DedupKey, &decision.CandidateID, &decision.Payload,
		&decision.Status, &decision.Accepted, &decision.Confidence,
		&decision.Reason, &decision.Revision, &decision.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying decision: %w", err)
	}

	verdicts, err := r.GetVerdictsByCandidate(ctx, decision.CandidateID)
	if err != nil {
		return nil, err
	}
	decision.Verdicts = verdicts

	return decision, nil
}

// ListDecisions retrieves decisions based on filter criteria, ordered by
// decision timestamp descending
func (r *PostgresRepository) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, ErrInvalidFilter
	}

	query := fmt.Sprintf(`SELECT %s FROM decisions WHERE 1=1`, decisionColumns)

	args := make([]interface{}, 0)
	argCount := 1

	// Build dynamic query based on filter
	if filter.Accepted != nil {
		query += fmt.Sprintf(" AND accepted = $%d", argCount)
		args = append(args, *filter.Accepted)
		argCount++
	}

	if filter.MinConfidence != nil {
		query += fmt.Sprintf(" AND confidence >= $%d", argCount)
		args = append(args, *filter.MinConfidence)
		argCount++
	}

	if filter.Since != nil {
		query += fmt.Sprintf(" AND decided_at >= $%d", argCount)
		args = append(args, *filter.Since)
		argCount++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filter.Status)
		argCount++
	}

	query += " ORDER BY decided_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying decision list: %w", err)
	}
	defer rows.Close()

	var results []*Decision
	for rows.Next() {
		decision := &Decision{}
		err := rows.Scan(
			&decision.DedupKey, &decision.CandidateID, &decision.Payload,
			&decision.Status, &decision.Accepted, &decision.Confidence,
			&decision.Reason, &decision.Revision, &decision.DecidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning decision row: %w", err)
		}
		results = append(results, decision)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating decision rows: %w", err)
	}

	for _, decision := range results {
		verdicts, err := r.GetVerdictsByCandidate(ctx, decision.CandidateID)
		if err != nil {
			return nil, err
		}
		decision.Verdicts = verdicts
	}

	return results, nil
}

// GetVerdictsByCandidate retrieves all verdicts for a specific candidate
func (r *PostgresRepository) GetVerdictsByCandidate(ctx context.Context, candidateID string) ([]*Verdict, error) {
	query := `
		SELECT id, candidate_id, judge_id, accept, confidence,
			   explanation, signature, created_at
		FROM verdicts
		WHERE candidate_id = $1
		ORDER BY created_at DESC`

	return r.queryVerdicts(ctx, query, candidateID)
}

// GetVerdictsByJudge retrieves all verdicts emitted by a specific judge
func (r *PostgresRepository) GetVerdictsByJudge(ctx context.Context, judgeID string) ([]*Verdict, error) {
	query := `
		SELECT id, candidate_id, judge_id, accept, confidence,
			   explanation, signature, created_at
		FROM verdicts
		WHERE judge_id = $1
		ORDER BY created_at DESC`

	return r.queryVerdicts(ctx, query, judgeID)
}

// Helper function to query verdicts
func (r *PostgresRepository) queryVerdicts(ctx context.Context, query string, arg interface{}) ([]*Verdict, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []*Verdict
	for rows.Next() {
		verdict := &Verdict{}
		err := rows.Scan(
			&verdict.ID, &verdict.CandidateID, &verdict.JudgeID, &verdict.Accept,
			&verdict.Confidence, &verdict.Explanation, &verdict.Signature, &verdict.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning verdict row: %w", err)
		}
		verdicts = append(verdicts, verdict)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating verdict rows: %w", err)
	}

	return verdicts, nil
}

// Stats returns aggregate counts of stored decision outcomes
func (r *PostgresRepository) Stats(ctx context.Context) (*DecisionStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'decided' AND accepted),
			COUNT(*) FILTER (WHERE status = 'decided' AND NOT accepted),
			COUNT(*) FILTER (WHERE status = 'abandoned')
		FROM decisions`

	stats := &DecisionStats{}
	err := r.pool.QueryRow(ctx, query).Scan(&stats.Accepted, &stats.Rejected, &stats.Abandoned)
	if err != nil {
		return nil, fmt.Errorf("querying decision stats: %w", err)
	}

	return stats, nil
}

// Helper function to check for PostgreSQL duplicate key errors
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
