package judge

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Shared equation parsing helpers used by the reference judges.

var (
	errNotAnEquation = errors.New("payload is not an equation")
	errNotConstant   = errors.New("expression contains free variables")
)

// splitEquation splits a payload into left and right hand sides. The split
// happens on the first top-level '=' that is not part of a comparison
// operator ('==', '<=', '>=', '!=').
func splitEquation(payload string) (string, string, error) {
	depth := 0
	runes := []rune(payload)
	for i, r := range runes {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '=':
			if depth != 0 {
				continue
			}
			if i > 0 && (runes[i-1] == '<' || runes[i-1] == '>' || runes[i-1] == '!' || runes[i-1] == '=') {
				continue
			}
			if i+1 < len(runes) && runes[i+1] == '=' {
				continue
			}
			left := strings.TrimSpace(string(runes[:i]))
			right := strings.TrimSpace(string(runes[i+1:]))
			if left == "" || right == "" {
				return "", "", fmt.Errorf("%w: empty side", errNotAnEquation)
			}
			return left, right, nil
		}
	}
	return "", "", fmt.Errorf("%w: no top-level '='", errNotAnEquation)
}

// balancedParens reports whether parentheses nest correctly
func balancedParens(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// expression evaluator: a small recursive-descent parser over constant
// arithmetic (+ - * / ^, unary minus, parentheses, decimal literals).

type exprParser struct {
	input []rune
	pos   int
}

// evalConstant evaluates a constant arithmetic expression. Expressions
// containing identifiers fail with errNotConstant.
func evalConstant(expr string) (float64, error) {
	p := &exprParser{input: []rune(expr)}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return 0, fmt.Errorf("unexpected %q at offset %d", string(p.input[p.pos]), p.pos)
	}
	return v, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) peek() rune {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseProduct() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, errors.New("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		// Right associative
		exp, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	}
	if p.peek() == '+' {
		p.pos++
		return p.parseUnary()
	}
	return p.parseAtom()
}

func (p *exprParser) parseAtom() (float64, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errors.New("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case unicode.IsDigit(c) || c == '.':
		return p.parseNumber()
	case unicode.IsLetter(c):
		return 0, errNotConstant
	case c == 0:
		return 0, errors.New("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected character %q", string(c))
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	v, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", string(p.input[start:p.pos]))
	}
	return v, nil
}

// normalizeExpression produces a canonical form for structural comparison:
// whitespace removed, top-level additive terms sorted. Commutativity of
// '+' is the only algebraic identity applied.
func normalizeExpression(expr string) (string, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, expr)
	if compact == "" {
		return "", errors.New("empty expression")
	}
	if !balancedParens(compact) {
		return "", errors.New("unbalanced parentheses")
	}

	terms := splitTopLevelTerms(compact)
	sortTerms(terms)
	return strings.Join(terms, "+"), nil
}

// splitTopLevelTerms splits an expression into its additive terms at
// parenthesis depth zero, keeping each term's sign attached.
func splitTopLevelTerms(expr string) []string {
	var terms []string
	depth := 0
	start := 0
	runes := []rune(expr)
	for i, r := range runes {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '+', '-':
			if depth != 0 || i == start {
				continue
			}
			// Not a term boundary when part of an operator like '*-'
			prev := runes[i-1]
			if strings.ContainsRune("+-*/^(", prev) {
				continue
			}
			terms = append(terms, string(runes[start:i]))
			if r == '-' {
				start = i // keep the sign on the next term
			} else {
				start = i + 1
			}
		}
	}
	terms = append(terms, string(runes[start:]))
	return terms
}

func sortTerms(terms []string) {
	for i := 1; i < len(terms); i++ {
		for j := i; j > 0 && terms[j] < terms[j-1]; j-- {
			terms[j], terms[j-1] = terms[j-1], terms[j]
		}
	}
}
