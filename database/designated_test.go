package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/apgms/escrow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateDesignatedAccount_BumpsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	account := &model.DesignatedAccount{
		ID:           "dsg_1",
		OrgID:        "org-1",
		BalanceCents: 2500,
		Status:       model.AccountActive,
		DepositOnly:  true,
		Version:      4,
		UpdatedAt:    time.Now().UTC(),
	}

	mock.ExpectExec("UPDATE escrow.designated_accounts").
		WithArgs(account.BalanceCents, account.Status, account.DepositOnly, account.UpdatedAt, account.ID, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ds.UpdateDesignatedAccount(context.Background(), account))
	assert.Equal(t, int64(5), account.Version)
}

func TestUpdateDesignatedAccount_StaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	account := &model.DesignatedAccount{ID: "dsg_1", Version: 2}

	mock.ExpectExec("UPDATE escrow.designated_accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateDesignatedAccount(context.Background(), account)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(2), account.Version)
}

func TestGetDesignatedAccountByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "org_id", "liability_type", "balance_cents", "deposit_only", "status", "version", "created_at", "updated_at"}).
		AddRow("dsg_1", "org-1", "PAYGW", int64(9900), true, "ACTIVE", int64(3), now, now)

	mock.ExpectQuery("SELECT (.+) FROM escrow.designated_accounts WHERE org_id = (.+) AND liability_type = (.+)").
		WithArgs("org-1", model.LiabilityPAYGW).
		WillReturnRows(rows)

	account, err := ds.GetDesignatedAccountByType(context.Background(), "org-1", model.LiabilityPAYGW)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), account.BalanceCents)
	assert.Equal(t, model.AccountActive, account.Status)
	assert.True(t, account.DepositOnly)
}

func TestListTransfersSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	since := time.Now().Add(-24 * time.Hour).UTC()
	rows := sqlmock.NewRows([]string{"id", "org_id", "account_id", "amount_cents", "source", "dedupe_id", "filing_id", "journal_entry_id", "balance_after", "created_at"}).
		AddRow("dtr_1", "org-1", "dsg_1", int64(500), "PAYROLL_CAPTURE", "d-1", nil, "jrn_1", int64(500), since.Add(time.Hour)).
		AddRow("dtr_2", "org-1", "dsg_1", int64(-700), "SETTLEMENT_RELEASE", "d-2", "fil_1", "jrn_2", int64(-200), since.Add(2*time.Hour))

	mock.ExpectQuery("SELECT (.+) FROM escrow.designated_transfers WHERE account_id = (.+) AND created_at >= (.+)").
		WithArgs("dsg_1", since).
		WillReturnRows(rows)

	transfers, err := ds.ListTransfersSince(context.Background(), "dsg_1", since)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, int64(-200), transfers[1].BalanceAfter)
	assert.Equal(t, model.SourcePayrollCapture, transfers[0].Source)
	assert.Empty(t, transfers[0].FilingID)
	assert.Equal(t, "fil_1", transfers[1].FilingID)
}

func TestSumSettledCents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectQuery("SELECT COALESCE(.+) FROM escrow.designated_transfers WHERE org_id = (.+) AND filing_id = (.+) AND source = (.+)").
		WithArgs("org-1", "fil_1", "SETTLEMENT_RELEASE").
		WillReturnRows(sqlmock.NewRows([]string{"settled"}).AddRow(int64(1500)))

	settled, err := ds.SumSettledCents(context.Background(), "org-1", "fil_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), settled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlertIfNoneOpen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	alert := &model.Alert{ID: "alt_1", OrgID: "org-1", Kind: model.AlertDesignatedWithdrawalAttempt, Severity: model.SeverityHigh}

	mock.ExpectExec("INSERT INTO escrow.alerts (.+) ON CONFLICT").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO escrow.alerts (.+) ON CONFLICT").WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := ds.InsertAlertIfNoneOpen(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ds.InsertAlertIfNoneOpen(context.Background(), alert)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSealEvidenceLocator_AlreadySealed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectExec("UPDATE escrow.evidence_artifacts").
		WithArgs("evd_1", "evd_1", model.PendingEvidenceLocator).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.SealEvidenceLocator(context.Background(), "evd_1", "evd_1")
	assert.ErrorIs(t, err, ErrConflict)
}
