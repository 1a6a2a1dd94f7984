package judge

import (
	"context"
	"errors"
	"fmt"

	"equation_consensus/pkg/data"
)

// Judge kinds understood by the factory
const (
	KindTheorem   = "theorem"
	KindNumerical = "numerical"
	KindSymbolic  = "symbolic"
)

// ErrAbstain is returned when a judge cannot form an opinion on a
// candidate. Abstaining judges do not count as responders.
var ErrAbstain = errors.New("judge abstains")

// Judge evaluates a candidate and returns a verdict. Implementations must
// be safe for concurrent use; each evaluation is independent.
type Judge interface {
	// ID returns the judge's stable identity used in verdicts
	ID() string

	// Kind returns the judge's evaluation strategy name
	Kind() string

	// Evaluate inspects the candidate and returns an accept/reject verdict,
	// or an error wrapping ErrAbstain when no opinion can be formed.
	Evaluate(ctx context.Context, candidate *data.Candidate) (*data.Verdict, error)
}

// New creates a judge of the given kind
func New(kind, id string) (Judge, error) {
	switch kind {
	case KindTheorem:
		return NewTheoremJudge(id), nil
	case KindNumerical:
		return NewNumericalJudge(id), nil
	case KindSymbolic:
		return NewSymbolicJudge(id), nil
	default:
		return nil, fmt.Errorf("unknown judge kind %q", kind)
	}
}
