package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/apgms/escrow/model"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const filingColumns = `id, org_id, kind, reference_id, withholding_cents, consumption_cents, payload, status, attempts, max_attempts,
	last_attempt_at, next_attempt_at, escrow_verified_at, claimed_at, submission_id, last_error, created_at, updated_at`

func scanFilingTask(row interface{ Scan(...interface{}) error }) (*model.FilingTask, error) {
	task := &model.FilingTask{}
	var (
		payload                                    []byte
		lastAttemptAt, escrowVerifiedAt, claimedAt sql.NullTime
		submissionID, lastError                    sql.NullString
	)
	err := row.Scan(&task.ID, &task.OrgID, &task.Kind, &task.ReferenceID, &task.WithholdingCents, &task.ConsumptionCents,
		&payload, &task.Status, &task.Attempts, &task.MaxAttempts, &lastAttemptAt, &task.NextAttemptAt,
		&escrowVerifiedAt, &claimedAt, &submissionID, &lastError, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		task.Payload = payload
	}
	task.LastAttemptAt = timePtr(lastAttemptAt)
	task.EscrowVerifiedAt = timePtr(escrowVerifiedAt)
	task.ClaimedAt = timePtr(claimedAt)
	task.SubmissionID = submissionID.String
	task.LastError = lastError.String
	task.NextAttemptAt = task.NextAttemptAt.UTC()
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return task, nil
}

func nullPayload(p []byte) interface{} {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func (q *queries) InsertFilingTask(ctx context.Context, task *model.FilingTask) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.filing_tasks (id, org_id, kind, reference_id, withholding_cents, consumption_cents, payload, status, attempts, max_attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, task.ID, task.OrgID, task.Kind, task.ReferenceID, task.WithholdingCents, task.ConsumptionCents,
		nullPayload(task.Payload), task.Status, task.Attempts, task.MaxAttempts, task.NextAttemptAt, task.CreatedAt, task.UpdatedAt)
	return mapPgError(err)
}

func (q *queries) GetFilingTask(ctx context.Context, id string) (*model.FilingTask, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+filingColumns+`
		FROM escrow.filing_tasks
		WHERE id = $1
	`, id)
	task, err := scanFilingTask(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return task, nil
}

func (q *queries) GetFilingTaskByReference(ctx context.Context, orgID string, kind model.FilingKind, referenceID string) (*model.FilingTask, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+filingColumns+`
		FROM escrow.filing_tasks
		WHERE org_id = $1 AND kind = $2 AND reference_id = $3
	`, orgID, kind, referenceID)
	task, err := scanFilingTask(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return task, nil
}

func readyStatuses() []string {
	statuses := make([]string, 0, len(model.ReadyStatuses))
	for _, s := range model.ReadyStatuses {
		statuses = append(statuses, string(s))
	}
	return statuses
}

func (q *queries) listFilingTasks(ctx context.Context, query string, args ...interface{}) ([]*model.FilingTask, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	tasks := []*model.FilingTask{}
	for rows.Next() {
		task, err := scanFilingTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan filing task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *queries) ReadyFilingTasks(ctx context.Context, kind model.FilingKind, now time.Time, limit int) ([]*model.FilingTask, error) {
	return q.listFilingTasks(ctx, `
		SELECT `+filingColumns+`
		FROM escrow.filing_tasks
		WHERE kind = $1 AND status = ANY($2) AND next_attempt_at <= $3
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT $4
	`, kind, pq.Array(readyStatuses()), now, limit)
}

// ClaimFilingTask moves a task from status from to SUBMITTING. It returns false when another
// worker got there first.
func (q *queries) ClaimFilingTask(ctx context.Context, id string, from model.FilingStatus, at time.Time) (bool, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.filing_tasks
		SET status = $1, claimed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, model.FilingSubmitting, at, id, from)
	if err != nil {
		return false, mapPgError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (q *queries) UpdateFilingTask(ctx context.Context, task *model.FilingTask, expected model.FilingStatus) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.filing_tasks
		SET status = $1, attempts = $2, last_attempt_at = $3, next_attempt_at = $4, escrow_verified_at = $5,
			claimed_at = $6, submission_id = $7, last_error = $8, updated_at = $9
		WHERE id = $10 AND status = $11
	`, task.Status, task.Attempts, nullTime(task.LastAttemptAt), task.NextAttemptAt, nullTime(task.EscrowVerifiedAt),
		nullTime(task.ClaimedAt), nullString(task.SubmissionID), nullString(task.LastError), task.UpdatedAt, task.ID, expected)
	if err != nil {
		return mapPgError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrStaleStatus, "filing task %s is no longer %s", task.ID, expected)
	}
	return nil
}

func (q *queries) StaleClaimedFilingTasks(ctx context.Context, claimedBefore time.Time, limit int) ([]*model.FilingTask, error) {
	return q.listFilingTasks(ctx, `
		SELECT `+filingColumns+`
		FROM escrow.filing_tasks
		WHERE status = $1 AND claimed_at < $2
		ORDER BY claimed_at ASC
		LIMIT $3
	`, model.FilingSubmitting, claimedBefore, limit)
}
