package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/apgms/escrow/model"
)

// InsertAlertIfNoneOpen relies on the partial unique index over open alerts, so two
// concurrent violations still leave a single open alert.
func (q *queries) InsertAlertIfNoneOpen(ctx context.Context, alert *model.Alert) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.alerts (id, org_id, kind, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (org_id, kind) WHERE resolved_at IS NULL DO NOTHING
	`, alert.ID, alert.OrgID, alert.Kind, alert.Severity, alert.Message, alert.CreatedAt)
	if err != nil {
		return false, mapPgError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (q *queries) GetOpenAlert(ctx context.Context, orgID string, kind model.AlertKind) (*model.Alert, error) {
	alert := &model.Alert{}
	var resolvedAt sql.NullTime
	err := q.db.QueryRowContext(ctx, `
		SELECT id, org_id, kind, severity, message, created_at, resolved_at
		FROM escrow.alerts
		WHERE org_id = $1 AND kind = $2 AND resolved_at IS NULL
	`, orgID, kind).Scan(&alert.ID, &alert.OrgID, &alert.Kind, &alert.Severity, &alert.Message, &alert.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.ResolvedAt = timePtr(resolvedAt)
	return alert, nil
}

func (q *queries) ResolveAlerts(ctx context.Context, orgID string, kind model.AlertKind, at time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.alerts
		SET resolved_at = $1
		WHERE org_id = $2 AND kind = $3 AND resolved_at IS NULL
	`, at, orgID, kind)
	if err != nil {
		return 0, mapPgError(err)
	}
	return result.RowsAffected()
}

func (q *queries) InsertViolationFlag(ctx context.Context, flag *model.ViolationFlag) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.violation_flags (id, org_id, account_id, code, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, flag.ID, flag.OrgID, nullString(flag.AccountID), flag.Code, flag.Reason, flag.Status, flag.CreatedAt)
	return mapPgError(err)
}

func (q *queries) CountOpenViolationFlags(ctx context.Context, orgID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM escrow.violation_flags
		WHERE org_id = $1 AND status = 'OPEN'
	`, orgID).Scan(&count)
	if err != nil {
		return 0, mapPgError(err)
	}
	return count, nil
}

func (q *queries) ResolveViolationFlags(ctx context.Context, orgID string, at time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.violation_flags
		SET status = 'RESOLVED', resolved_at = $1
		WHERE org_id = $2 AND status = 'OPEN'
	`, at, orgID)
	if err != nil {
		return 0, mapPgError(err)
	}
	return result.RowsAffected()
}
