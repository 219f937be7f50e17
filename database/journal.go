package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/apgms/escrow/model"
	"github.com/pkg/errors"
)

const journalColumns = `id, org_id, sequence, event_id, dedupe_id, type, occurred_at, source, postings, hash, prev_hash, created_at`

func scanJournalEntry(row interface{ Scan(...interface{}) error }) (*model.JournalEntry, error) {
	entry := &model.JournalEntry{}
	var postingsJSON []byte
	err := row.Scan(
		&entry.ID, &entry.OrgID, &entry.Sequence, &entry.EventID, &entry.DedupeID, &entry.Type,
		&entry.OccurredAt, &entry.Source, &postingsJSON, &entry.Hash, &entry.PrevHash, &entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(postingsJSON, &entry.Postings); err != nil {
		return nil, errors.Wrap(err, "decode postings")
	}
	entry.OccurredAt = entry.OccurredAt.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (q *queries) LastJournalEntry(ctx context.Context, orgID string) (*model.JournalEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+journalColumns+`
		FROM escrow.journal_entries
		WHERE org_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, orgID)

	entry, err := scanJournalEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgError(err)
	}
	return entry, nil
}

func (q *queries) InsertJournalEntry(ctx context.Context, entry *model.JournalEntry) error {
	postingsJSON, err := json.Marshal(entry.Postings)
	if err != nil {
		return errors.Wrap(err, "encode postings")
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO escrow.journal_entries (id, org_id, sequence, event_id, dedupe_id, type, occurred_at, source, postings, hash, prev_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, entry.ID, entry.OrgID, entry.Sequence, entry.EventID, entry.DedupeID, entry.Type,
		entry.OccurredAt, entry.Source, postingsJSON, entry.Hash, entry.PrevHash, entry.CreatedAt)
	return mapPgError(err)
}

func (q *queries) GetJournalEntryByDedupe(ctx context.Context, orgID, dedupeID string) (*model.JournalEntry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+journalColumns+`
		FROM escrow.journal_entries
		WHERE org_id = $1 AND dedupe_id = $2
	`, orgID, dedupeID)

	entry, err := scanJournalEntry(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return entry, nil
}

func (q *queries) GetJournalEntries(ctx context.Context, orgID string, afterSequence int64, limit int) ([]*model.JournalEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+journalColumns+`
		FROM escrow.journal_entries
		WHERE org_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, orgID, afterSequence, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	entries := []*model.JournalEntry{}
	for rows.Next() {
		entry, err := scanJournalEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan journal entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
