package broker

import (
	"encoding/json"
	"time"
)

// Envelope is the wire format for every published event.
type Envelope struct {
	Type     string   `json:"type"`
	To       string   `json:"to,omitempty"`
	Data     any      `json:"data"`
	Metadata Metadata `json:"metadata"`
}

// Metadata carries the fields a consumer needs for idempotency, tracing,
// and retry accounting independent of the payload.
type Metadata struct {
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	EventID    string    `json:"event_id,omitempty"`
}

// DeadLetter wraps a message that exhausted its retry budget or was
// malformed, preserving the original payload alongside the failure.
type DeadLetter struct {
	Original  json.RawMessage `json:"original"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}
