package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidCandidate marks a submission rejected before entering the pipeline
var ErrInvalidCandidate = errors.New("invalid candidate")

// Validator screens incoming candidate payloads. Rejections happen
// synchronously at submission time; nothing invalid reaches the channel.
type Validator struct {
	maxPayloadLen int
}

// NewValidator creates a validator with the given payload size limit
func NewValidator(maxPayloadLen int) *Validator {
	return &Validator{maxPayloadLen: maxPayloadLen}
}

// ValidatePayload checks a raw candidate payload. A nil return means
// the payload may be submitted for evaluation.
func (v *Validator) ValidatePayload(payload string) error {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return fmt.Errorf("%w: empty payload", ErrInvalidCandidate)
	}
	if v.maxPayloadLen > 0 && len(payload) > v.maxPayloadLen {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidCandidate, v.maxPayloadLen)
	}
	if !utf8.ValidString(payload) {
		return fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidCandidate)
	}
	for _, r := range payload {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return fmt.Errorf("%w: payload contains control characters", ErrInvalidCandidate)
		}
	}
	return nil
}
