package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of pipeline message
type MessageType string

const (
	CandidateMessage  MessageType = "Candidate"
	VerdictMessage    MessageType = "Verdict"
	AbstentionMessage MessageType = "Abstention"
	DecisionMessage   MessageType = "Decision"
	CancelMessage     MessageType = "Cancel"
)

// Topic names used by the pipeline
const (
	CandidatesTopic = "candidates"
	VerdictsTopic   = "verdicts"
	DecisionsTopic  = "decisions"
	CancelsTopic    = "cancellations"
)

// Message is the envelope carried by the channel between pipeline stages
type Message struct {
	Type      MessageType     `json:"type"`
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewMessage creates a new message wrapping the given payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	return &Message{
		Type:      msgType,
		Version:   "1.0.0",
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Marshal serializes the message
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(data []byte) error {
	return json.Unmarshal(data, m)
}

// Decode unpacks the payload into the given value
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Type, err)
	}
	return nil
}
