package judge

import (
	"context"
	"fmt"
	"strings"

	"equation_consensus/pkg/data"
)

// TheoremJudge checks structural well-formedness: the payload must be a
// single equation with balanced parentheses and non-empty sides built
// from a sane character set. It never abstains.
type TheoremJudge struct {
	id string
}

// NewTheoremJudge creates a well-formedness judge
func NewTheoremJudge(id string) *TheoremJudge {
	return &TheoremJudge{id: id}
}

func (j *TheoremJudge) ID() string   { return j.id }
func (j *TheoremJudge) Kind() string { return KindTheorem }

// Evaluate accepts structurally well-formed equations
func (j *TheoremJudge) Evaluate(ctx context.Context, candidate *data.Candidate) (*data.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := candidate.Payload

	if !balancedParens(payload) {
		return data.NewVerdict(candidate.ID, j.id, false, 0.95, "unbalanced parentheses")
	}

	left, right, err := splitEquation(payload)
	if err != nil {
		return data.NewVerdict(candidate.ID, j.id, false, 0.9, err.Error())
	}

	if reason := malformedSide(left); reason != "" {
		return data.NewVerdict(candidate.ID, j.id, false, 0.85, fmt.Sprintf("left side: %s", reason))
	}
	if reason := malformedSide(right); reason != "" {
		return data.NewVerdict(candidate.ID, j.id, false, 0.85, fmt.Sprintf("right side: %s", reason))
	}

	return data.NewVerdict(candidate.ID, j.id, true, 0.9, "well-formed equation")
}

// malformedSide returns a rejection reason, or "" when the side looks sound
func malformedSide(side string) string {
	const operators = "+-*/^"

	if strings.ContainsAny(side, "=") {
		return "nested equality"
	}

	runes := []rune(strings.TrimSpace(side))
	last := runes[len(runes)-1]
	if strings.ContainsRune(operators, last) {
		return fmt.Sprintf("dangling operator %q", string(last))
	}

	prevOp := false
	for _, r := range runes {
		isOp := strings.ContainsRune("*/^", r)
		if isOp && prevOp {
			return "consecutive operators"
		}
		prevOp = strings.ContainsRune(operators, r)
	}
	return ""
}
