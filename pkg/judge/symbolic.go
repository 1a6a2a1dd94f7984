package judge

import (
	"context"
	"fmt"

	"equation_consensus/pkg/data"
)

// SymbolicJudge compares the two sides of an equation after structural
// normalization. Identical normal forms are accepted; differing forms that
// are both parseable abstain rather than reject, since normalization only
// applies commutativity and cannot disprove deeper equivalences.
type SymbolicJudge struct {
	id string
}

// NewSymbolicJudge creates a normalized-form comparison judge
func NewSymbolicJudge(id string) *SymbolicJudge {
	return &SymbolicJudge{id: id}
}

func (j *SymbolicJudge) ID() string   { return j.id }
func (j *SymbolicJudge) Kind() string { return KindSymbolic }

// Evaluate accepts equations whose sides share a normal form
func (j *SymbolicJudge) Evaluate(ctx context.Context, candidate *data.Candidate) (*data.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	left, right, err := splitEquation(candidate.Payload)
	if err != nil {
		return data.NewVerdict(candidate.ID, j.id, false, 0.9, err.Error())
	}

	leftNorm, err := normalizeExpression(left)
	if err != nil {
		return data.NewVerdict(candidate.ID, j.id, false, 0.85,
			fmt.Sprintf("left side: %v", err))
	}
	rightNorm, err := normalizeExpression(right)
	if err != nil {
		return data.NewVerdict(candidate.ID, j.id, false, 0.85,
			fmt.Sprintf("right side: %v", err))
	}

	if leftNorm == rightNorm {
		return data.NewVerdict(candidate.ID, j.id, true, 0.9,
			fmt.Sprintf("sides share normal form %q", leftNorm))
	}
	return nil, fmt.Errorf("%w: normal forms differ, equivalence undecidable here", ErrAbstain)
}
