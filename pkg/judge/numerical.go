package judge

import (
	"context"
	"errors"
	"fmt"
	"math"

	"equation_consensus/pkg/data"
)

// numericalTolerance bounds the relative error accepted between sides
const numericalTolerance = 1e-9

// NumericalJudge evaluates both sides of a constant equation numerically
// and accepts when they agree within tolerance. Equations with free
// variables are outside its competence, so it abstains on them.
type NumericalJudge struct {
	id string
}

// NewNumericalJudge creates a numeric-equality judge
func NewNumericalJudge(id string) *NumericalJudge {
	return &NumericalJudge{id: id}
}

func (j *NumericalJudge) ID() string   { return j.id }
func (j *NumericalJudge) Kind() string { return KindNumerical }

// Evaluate accepts constant equations whose sides are numerically equal
func (j *NumericalJudge) Evaluate(ctx context.Context, candidate *data.Candidate) (*data.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	left, right, err := splitEquation(candidate.Payload)
	if err != nil {
		return data.NewVerdict(candidate.ID, j.id, false, 0.9, err.Error())
	}

	lv, err := evalConstant(left)
	if err != nil {
		return j.inconclusive(candidate, "left", err)
	}
	rv, err := evalConstant(right)
	if err != nil {
		return j.inconclusive(candidate, "right", err)
	}

	if math.IsNaN(lv) || math.IsNaN(rv) || math.IsInf(lv, 0) || math.IsInf(rv, 0) {
		return data.NewVerdict(candidate.ID, j.id, false, 0.8, "side evaluates to a non-finite value")
	}

	if numericallyEqual(lv, rv) {
		return data.NewVerdict(candidate.ID, j.id, true, 0.99,
			fmt.Sprintf("both sides evaluate to %g", lv))
	}
	return data.NewVerdict(candidate.ID, j.id, false, 0.99,
		fmt.Sprintf("left evaluates to %g, right to %g", lv, rv))
}

// inconclusive abstains on free variables and rejects on malformed arithmetic
func (j *NumericalJudge) inconclusive(candidate *data.Candidate, side string, err error) (*data.Verdict, error) {
	if errors.Is(err, errNotConstant) {
		return nil, fmt.Errorf("%w: %s side is not constant", ErrAbstain, side)
	}
	return data.NewVerdict(candidate.ID, j.id, false, 0.85,
		fmt.Sprintf("%s side does not evaluate: %v", side, err))
}

func numericallyEqual(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= numericalTolerance {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= numericalTolerance*scale
}
