package database

import (
	"context"
	"database/sql"

	"github.com/apgms/escrow/model"
	"github.com/pkg/errors"
)

const reconciliationColumns = `id, org_id, account_id, transfer_id, dedupe_id, expected_credit, recorded_balance, observed_balance, discrepancy, status, created_at, reconciled_at`

func scanReconciliationRecord(row interface{ Scan(...interface{}) error }) (*model.ReconciliationRecord, error) {
	record := &model.ReconciliationRecord{}
	var transferID, dedupeID sql.NullString
	var reconciledAt sql.NullTime
	err := row.Scan(&record.ID, &record.OrgID, &record.AccountID, &transferID, &dedupeID, &record.ExpectedCredit,
		&record.RecordedBalance, &record.ObservedBalance, &record.Discrepancy, &record.Status,
		&record.CreatedAt, &reconciledAt)
	if err != nil {
		return nil, err
	}
	record.TransferID = transferID.String
	record.DedupeID = dedupeID.String
	record.CreatedAt = record.CreatedAt.UTC()
	record.ReconciledAt = timePtr(reconciledAt)
	return record, nil
}

func (q *queries) InsertReconciliationRecord(ctx context.Context, record *model.ReconciliationRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.reconciliation_records (id, org_id, account_id, transfer_id, dedupe_id, expected_credit, recorded_balance, observed_balance, discrepancy, status, created_at, reconciled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, record.ID, record.OrgID, record.AccountID, nullString(record.TransferID), nullString(record.DedupeID), record.ExpectedCredit,
		record.RecordedBalance, record.ObservedBalance, record.Discrepancy, record.Status,
		record.CreatedAt, nullTime(record.ReconciledAt))
	return mapPgError(err)
}

func (q *queries) GetReconciliationRecordByDedupe(ctx context.Context, orgID, dedupeID string) (*model.ReconciliationRecord, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+reconciliationColumns+`
		FROM escrow.reconciliation_records
		WHERE org_id = $1 AND dedupe_id = $2
	`, orgID, dedupeID)
	record, err := scanReconciliationRecord(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return record, nil
}

func (q *queries) listReconciliationRecords(ctx context.Context, query string, arg string) ([]*model.ReconciliationRecord, error) {
	rows, err := q.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	records := []*model.ReconciliationRecord{}
	for rows.Next() {
		record, err := scanReconciliationRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan reconciliation record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (q *queries) ListPendingReconciliationRecords(ctx context.Context, orgID string) ([]*model.ReconciliationRecord, error) {
	return q.listReconciliationRecords(ctx, `
		SELECT `+reconciliationColumns+`
		FROM escrow.reconciliation_records
		WHERE org_id = $1 AND status = 'PENDING'
		ORDER BY created_at ASC, id ASC
	`, orgID)
}

func (q *queries) ListReconciliationRecords(ctx context.Context, accountID string) ([]*model.ReconciliationRecord, error) {
	return q.listReconciliationRecords(ctx, `
		SELECT `+reconciliationColumns+`
		FROM escrow.reconciliation_records
		WHERE account_id = $1
		ORDER BY created_at ASC, id ASC
	`, accountID)
}

func (q *queries) UpdateReconciliationRecord(ctx context.Context, record *model.ReconciliationRecord) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.reconciliation_records
		SET observed_balance = $1, discrepancy = $2, status = $3, reconciled_at = $4
		WHERE id = $5
	`, record.ObservedBalance, record.Discrepancy, record.Status, nullTime(record.ReconciledAt), record.ID)
	if err != nil {
		return mapPgError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
