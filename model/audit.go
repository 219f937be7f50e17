package model

import (
	"strconv"
	"time"
)

// AuditLogEntry records one privileged action, chained per organization.
type AuditLogEntry struct {
	ID        string                 `json:"id"`
	OrgID     string                 `json:"org_id"`
	Sequence  int64                  `json:"sequence"`
	ActorID   string                 `json:"actor_id"`
	Action    string                 `json:"action"`
	Metadata  map[string]interface{} `json:"metadata"`
	Hash      string                 `json:"hash"`
	PrevHash  string                 `json:"prev_hash"`
	CreatedAt time.Time              `json:"created_at"`
}

// ComputeHash derives the entry digest. Metadata is folded in canonical JSON form.
func (a *AuditLogEntry) ComputeHash() (string, error) {
	meta := a.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := CanonicalJSON(meta)
	if err != nil {
		return "", err
	}
	return ChainDigest(a.PrevHash,
		a.OrgID,
		strconv.FormatInt(a.Sequence, 10),
		a.ActorID,
		a.Action,
		string(metaJSON),
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	), nil
}
