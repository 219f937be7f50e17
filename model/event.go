package model

import (
	"encoding/json"
	"time"
)

// EventEnvelope is the message delivered by the ingress bus.
type EventEnvelope struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId"`
	EventType string          `json:"eventType"`
	TS        time.Time       `json:"ts"`
	Source    string          `json:"source"`
	DedupeID  string          `json:"dedupeId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// DedupeKey is the idempotency key of the envelope. Producers that omit dedupeId
// are deduplicated on the message id.
func (e *EventEnvelope) DedupeKey() string {
	if e.DedupeID != "" {
		return e.DedupeID
	}
	return e.ID
}
