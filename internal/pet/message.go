package pet

import (
	"fmt"
	"time"
)

// MessageType is the closed set of work message kinds.
type MessageType string

// Work message kinds.
const (
	MessageScreenshot MessageType = "screenshot"
	MessageCrawl      MessageType = "crawl"
	MessageConvert    MessageType = "convert"
	MessageCleanup    MessageType = "cleanup"
)

// Valid reports whether t is one of the known kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageScreenshot, MessageCrawl, MessageConvert, MessageCleanup:
		return true
	}
	return false
}

// DefaultMaxRetries bounds deliveries before a message is dead-lettered.
const DefaultMaxRetries = 3

// Payload carries record references and the originating batch.
type Payload struct {
	Pets    []Ref  `json:"pets,omitempty"`
	BatchID string `json:"batchId,omitempty"`
}

// PetID returns the first referenced pet id, or "" for record-less messages.
func (p Payload) PetID() string {
	if len(p.Pets) == 0 {
		return ""
	}
	return p.Pets[0].ID
}

// WorkMessage is the unit carried by the queue transport.
type WorkMessage struct {
	ID         string      `json:"id"`
	Type       MessageType `json:"type"`
	Payload    Payload     `json:"payload"`
	RetryCount int         `json:"retryCount"`
	MaxRetries int         `json:"maxRetries"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Validate checks invariants required before a message can be enqueued.
func (m WorkMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("retryCount must be >= 0")
	}
	if m.Type != MessageCleanup && len(m.Payload.Pets) == 0 {
		return fmt.Errorf("%s message requires at least one pet", m.Type)
	}
	return nil
}

// WithDefaults fills MaxRetries when unset.
func (m WorkMessage) WithDefaults() WorkMessage {
	if m.MaxRetries <= 0 {
		m.MaxRetries = DefaultMaxRetries
	}
	return m
}

// DeadLetter is appended to the dead-letter channel on retry exhaustion.
type DeadLetter struct {
	Message  WorkMessage `json:"message"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failedAt"`
}
