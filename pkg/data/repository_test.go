package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *PostgresRepository {
	// Get connection string from environment variable
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := zaptest.NewLogger(t)
	repo, err := NewPostgresRepository(context.Background(), connStr, logger)
	require.NoError(t, err)

	sm := NewSchemaManager(repo.pool, "../../sql/schema")
	require.NoError(t, sm.InitializeSchema(context.Background()))

	clearTestData(t, repo)

	return repo
}

func clearTestData(t *testing.T, repo *PostgresRepository) {
	ctx := context.Background()
	queries := []string{
		"DELETE FROM verdicts",
		"DELETE FROM decisions",
	}

	for _, query := range queries {
		_, err := repo.pool.Exec(ctx, query)
		require.NoError(t, err)
	}
}

func makeDecision(t *testing.T, payload string, accepted bool, confidence float64) *Decision {
	candidate, err := NewCandidate(payload, "")
	require.NoError(t, err)

	verdict, err := NewVerdict(candidate.ID, "judge-theorem", accepted, confidence, "test verdict")
	require.NoError(t, err)

	return &Decision{
		CandidateID: candidate.ID,
		DedupKey:    candidate.DedupKey,
		Payload:     candidate.Payload,
		Status:      DecisionDecided,
		Accepted:    accepted,
		Confidence:  confidence,
		Verdicts:    []*Verdict{verdict},
		DecidedAt:   time.Now().UTC(),
	}
}

// repositorySuite runs the persistence contract against an implementation
func repositorySuite(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		decision := makeDecision(t, "a+b = b+a", true, 0.9)
		require.NoError(t, repo.SaveDecision(ctx, decision))

		got, err := repo.GetDecisionByDedupKey(ctx, decision.DedupKey)
		require.NoError(t, err)
		assert.Equal(t, decision.CandidateID, got.CandidateID)
		assert.True(t, got.Accepted)
		assert.Len(t, got.Verdicts, 1)

		byID, err := repo.GetDecision(ctx, decision.CandidateID)
		require.NoError(t, err)
		assert.Equal(t, decision.DedupKey, byID.DedupKey)
	})

	t.Run("IdempotentPersist", func(t *testing.T) {
		decision := makeDecision(t, "x^2 - 1 = (x-1)*(x+1)", true, 0.8)

		// Simulated re-delivery: persisting twice yields one record
		require.NoError(t, repo.SaveDecision(ctx, decision))
		require.NoError(t, repo.SaveDecision(ctx, decision))

		accepted := true
		results, err := repo.ListDecisions(ctx, DecisionFilter{Accepted: &accepted})
		require.NoError(t, err)

		matches := 0
		for _, d := range results {
			if d.CandidateID == decision.CandidateID {
				matches++
				assert.Equal(t, 0, d.Revision)
			}
		}
		assert.Equal(t, 1, matches)
	})

	t.Run("RevisionBumpOnChange", func(t *testing.T) {
		decision := makeDecision(t, "2+2 = 4", false, 0.4)
		require.NoError(t, repo.SaveDecision(ctx, decision))

		// Re-evaluation flips the outcome; the record is corrected in
		// place with a bumped revision, never duplicated
		revised := *decision
		revised.Accepted = true
		revised.Confidence = 0.95
		require.NoError(t, repo.SaveDecision(ctx, &revised))

		got, err := repo.GetDecisionByDedupKey(ctx, decision.DedupKey)
		require.NoError(t, err)
		assert.True(t, got.Accepted)
		assert.Equal(t, 1, got.Revision)
	})

	t.Run("ListWithFilters", func(t *testing.T) {
		since := time.Now().UTC().Add(-time.Minute)

		low := makeDecision(t, "low confidence candidate = 1", true, 0.3)
		high := makeDecision(t, "high confidence candidate = 2", true, 0.9)
		rejected := makeDecision(t, "rejected candidate = 3", false, 0.8)
		for _, d := range []*Decision{low, high, rejected} {
			require.NoError(t, repo.SaveDecision(ctx, d))
		}

		accepted := true
		minConfidence := 0.5
		results, err := repo.ListDecisions(ctx, DecisionFilter{
			Accepted:      &accepted,
			MinConfidence: &minConfidence,
			Since:         &since,
		})
		require.NoError(t, err)

		for _, d := range results {
			assert.True(t, d.Accepted)
			assert.GreaterOrEqual(t, d.Confidence, 0.5)
			assert.False(t, d.DecidedAt.Before(since))
		}

		// Ordered by decision timestamp descending
		for i := 1; i < len(results); i++ {
			assert.False(t, results[i-1].DecidedAt.Before(results[i].DecidedAt))
		}
	})

	t.Run("VerdictTrail", func(t *testing.T) {
		decision := makeDecision(t, "e^(i*pi) + 1 = 0", true, 0.99)
		second, err := NewVerdict(decision.CandidateID, "judge-numerical", true, 0.97, "numeric check")
		require.NoError(t, err)
		decision.Verdicts = append(decision.Verdicts, second)

		require.NoError(t, repo.SaveDecision(ctx, decision))

		verdicts, err := repo.GetVerdictsByCandidate(ctx, decision.CandidateID)
		require.NoError(t, err)
		assert.Len(t, verdicts, 2)

		byJudge, err := repo.GetVerdictsByJudge(ctx, "judge-numerical")
		require.NoError(t, err)
		found := false
		for _, v := range byJudge {
			if v.CandidateID == decision.CandidateID {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetDecision(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = repo.GetDecisionByDedupKey(ctx, "missing-key")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	repositorySuite(t, NewMemoryRepository())
}

func TestPostgresRepository(t *testing.T) {
	repo := setupTestDB(t)
	defer repo.Close()

	repositorySuite(t, repo)
}

func TestMemoryRepositoryStats(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	accepted := makeDecision(t, "stats accepted = 1", true, 0.9)
	rejected := makeDecision(t, "stats rejected = 2", false, 0.4)
	abandoned := makeDecision(t, "stats abandoned = 3", false, 0)
	abandoned.Status = DecisionAbandoned
	abandoned.Reason = "quorum unreachable"

	for _, d := range []*Decision{accepted, rejected, abandoned} {
		require.NoError(t, repo.SaveDecision(ctx, d))
	}

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Abandoned)
}
