package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"

	"github.com/apgms/escrow/model"
	"github.com/pkg/errors"
)

const auditColumns = `id, org_id, sequence, actor_id, action, metadata, hash, prev_hash, created_at`

func scanAuditEntry(row interface{ Scan(...interface{}) error }) (*model.AuditLogEntry, error) {
	entry := &model.AuditLogEntry{}
	var metadataJSON []byte
	err := row.Scan(&entry.ID, &entry.OrgID, &entry.Sequence, &entry.ActorID, &entry.Action,
		&metadataJSON, &entry.Hash, &entry.PrevHash, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	// Numbers stay json.Number so the canonical form re-encodes them exactly.
	dec := json.NewDecoder(bytes.NewReader(metadataJSON))
	dec.UseNumber()
	if err := dec.Decode(&entry.Metadata); err != nil {
		return nil, errors.Wrap(err, "decode audit metadata")
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (q *queries) LastAuditEntry(ctx context.Context, orgID string) (*model.AuditLogEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM escrow.audit_log
		WHERE org_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, orgID)
	entry, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return entry, nil
}

func (q *queries) InsertAuditEntry(ctx context.Context, entry *model.AuditLogEntry) error {
	meta := entry.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metadataJSON, err := model.CanonicalJSON(meta)
	if err != nil {
		return errors.Wrap(err, "encode audit metadata")
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO escrow.audit_log (id, org_id, sequence, actor_id, action, metadata, hash, prev_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.OrgID, entry.Sequence, entry.ActorID, entry.Action, metadataJSON, entry.Hash, entry.PrevHash, entry.CreatedAt)
	return mapPgError(err)
}

func (q *queries) GetAuditEntries(ctx context.Context, orgID string, afterSequence int64, limit int) ([]*model.AuditLogEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM escrow.audit_log
		WHERE org_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, orgID, afterSequence, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	entries := []*model.AuditLogEntry{}
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
