package model

import (
	"encoding/json"
	"time"
)

const (
	EvidenceKindReconciliation = "designated-reconciliation"

	// PendingEvidenceLocator is stored until the artifact id is known.
	PendingEvidenceLocator = "internal:designated/pending"
)

// EvidenceArtifact is a sealed, content-addressed JSON document.
type EvidenceArtifact struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	Kind         string          `json:"kind"`
	SHA256       string          `json:"sha256"`
	ImmutableURI string          `json:"immutable_uri"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// InternalEvidenceLocator is the locator of an artifact kept only in the store.
func InternalEvidenceLocator(id string) string {
	return "internal:designated/" + id
}

// Verify reports whether the stored digest still matches the payload.
func (a *EvidenceArtifact) Verify() bool {
	return SHA256Hex(a.Payload) == a.SHA256
}
