package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/apgms/escrow/model"
	"github.com/pkg/errors"
)

const designatedAccountColumns = `id, org_id, liability_type, balance_cents, deposit_only, status, version, created_at, updated_at`

func scanDesignatedAccount(row interface{ Scan(...interface{}) error }) (*model.DesignatedAccount, error) {
	account := &model.DesignatedAccount{}
	err := row.Scan(
		&account.ID, &account.OrgID, &account.LiabilityType, &account.BalanceCents, &account.DepositOnly,
		&account.Status, &account.Version, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = account.UpdatedAt.UTC()
	return account, nil
}

func (q *queries) CreateDesignatedAccount(ctx context.Context, account *model.DesignatedAccount) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.designated_accounts (id, org_id, liability_type, balance_cents, deposit_only, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, account.ID, account.OrgID, account.LiabilityType, account.BalanceCents, account.DepositOnly,
		account.Status, account.Version, account.CreatedAt, account.UpdatedAt)
	return mapPgError(err)
}

func (q *queries) GetDesignatedAccount(ctx context.Context, id string) (*model.DesignatedAccount, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+designatedAccountColumns+`
		FROM escrow.designated_accounts
		WHERE id = $1
	`, id)
	account, err := scanDesignatedAccount(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return account, nil
}

func (q *queries) GetDesignatedAccountByType(ctx context.Context, orgID string, liabilityType model.LiabilityType) (*model.DesignatedAccount, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+designatedAccountColumns+`
		FROM escrow.designated_accounts
		WHERE org_id = $1 AND liability_type = $2
	`, orgID, liabilityType)
	account, err := scanDesignatedAccount(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return account, nil
}

func (q *queries) ListDesignatedAccounts(ctx context.Context, orgID string) ([]*model.DesignatedAccount, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+designatedAccountColumns+`
		FROM escrow.designated_accounts
		WHERE org_id = $1
		ORDER BY id ASC
	`, orgID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	accounts := []*model.DesignatedAccount{}
	for rows.Next() {
		account, err := scanDesignatedAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan designated account")
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (q *queries) ListDesignatedOrgs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT org_id
		FROM escrow.designated_accounts
		ORDER BY org_id ASC
	`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	orgs := []string{}
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, errors.Wrap(err, "scan org id")
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// UpdateDesignatedAccount writes balance and status when the stored version still matches
// account.Version, then advances the version in place.
func (q *queries) UpdateDesignatedAccount(ctx context.Context, account *model.DesignatedAccount) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE escrow.designated_accounts
		SET balance_cents = $1, status = $2, deposit_only = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`, account.BalanceCents, account.Status, account.DepositOnly, account.UpdatedAt, account.ID, account.Version)
	if err != nil {
		return mapPgError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Wrapf(ErrConflict, "designated account %s changed since version %d", account.ID, account.Version)
	}
	account.Version++
	return nil
}

func (q *queries) InsertDesignatedTransfer(ctx context.Context, transfer *model.DesignatedTransfer) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO escrow.designated_transfers (id, org_id, account_id, amount_cents, source, dedupe_id, filing_id, journal_entry_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, transfer.ID, transfer.OrgID, transfer.AccountID, transfer.AmountCents, transfer.Source,
		transfer.DedupeID, nullString(transfer.FilingID), transfer.JournalEntryID, transfer.BalanceAfter, transfer.CreatedAt)
	return mapPgError(err)
}

const transferColumns = `id, org_id, account_id, amount_cents, source, dedupe_id, filing_id, journal_entry_id, balance_after, created_at`

func scanTransfer(row interface{ Scan(...interface{}) error }) (*model.DesignatedTransfer, error) {
	t := &model.DesignatedTransfer{}
	var filingID sql.NullString
	err := row.Scan(&t.ID, &t.OrgID, &t.AccountID, &t.AmountCents, &t.Source, &t.DedupeID, &filingID, &t.JournalEntryID, &t.BalanceAfter, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.FilingID = filingID.String
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// SumSettledCents returns the total released against filingID by settlement transfers.
func (q *queries) SumSettledCents(ctx context.Context, orgID, filingID string) (int64, error) {
	var settled int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(-SUM(amount_cents), 0)
		FROM escrow.designated_transfers
		WHERE org_id = $1 AND filing_id = $2 AND source = $3
	`, orgID, filingID, string(model.SourceSettlementRelease)).Scan(&settled)
	if err != nil {
		return 0, mapPgError(err)
	}
	return settled, nil
}

func (q *queries) GetDesignatedTransferByDedupe(ctx context.Context, orgID, dedupeID string) (*model.DesignatedTransfer, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+`
		FROM escrow.designated_transfers
		WHERE org_id = $1 AND dedupe_id = $2
	`, orgID, dedupeID)
	transfer, err := scanTransfer(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return transfer, nil
}

func (q *queries) ListTransfersSince(ctx context.Context, accountID string, since time.Time) ([]*model.DesignatedTransfer, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+transferColumns+`
		FROM escrow.designated_transfers
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, accountID, since)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	transfers := []*model.DesignatedTransfer{}
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan designated transfer")
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}
