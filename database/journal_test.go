package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/apgms/escrow/model"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var journalRowColumns = []string{"id", "org_id", "sequence", "event_id", "dedupe_id", "type", "occurred_at", "source", "postings", "hash", "prev_hash", "created_at"}

func sampleJournalEntry() *model.JournalEntry {
	at := time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)
	entry := &model.JournalEntry{
		ID:         "jrn_1",
		OrgID:      "org-1",
		Sequence:   1,
		EventID:    "evt-1",
		DedupeID:   "dedupe-1",
		Type:       "PAYROLL_WITHHELD",
		OccurredAt: at,
		Source:     "payroll",
		Postings: []model.Posting{
			{AccountID: "acc-paygw", AmountCents: 1500},
			{AccountID: "control:payroll_capture", AmountCents: -1500},
		},
		CreatedAt: at,
	}
	entry.Hash = entry.ComputeHash()
	return entry
}

func TestInsertJournalEntry_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	entry := sampleJournalEntry()
	postingsJSON, err := json.Marshal(entry.Postings)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO escrow.journal_entries").
		WithArgs(entry.ID, entry.OrgID, entry.Sequence, entry.EventID, entry.DedupeID, entry.Type,
			entry.OccurredAt, entry.Source, postingsJSON, entry.Hash, entry.PrevHash, entry.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.InsertJournalEntry(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertJournalEntry_DuplicateDedupe(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectExec("INSERT INTO escrow.journal_entries").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "journal_entries_org_dedupe_key", Message: "duplicate key"})

	err = ds.InsertJournalEntry(context.Background(), sampleJournalEntry())
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestInsertJournalEntry_SequenceRace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectExec("INSERT INTO escrow.journal_entries").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "journal_entries_org_sequence_key", Message: "duplicate key"})

	err = ds.InsertJournalEntry(context.Background(), sampleJournalEntry())
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(err))
}

func TestLastJournalEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	entry := sampleJournalEntry()
	postingsJSON, _ := json.Marshal(entry.Postings)

	mock.ExpectQuery("SELECT (.+) FROM escrow.journal_entries WHERE org_id = (.+) ORDER BY sequence DESC").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(journalRowColumns).AddRow(
			entry.ID, entry.OrgID, entry.Sequence, entry.EventID, entry.DedupeID, entry.Type,
			entry.OccurredAt, entry.Source, postingsJSON, entry.Hash, entry.PrevHash, entry.CreatedAt))

	got, err := ds.LastJournalEntry(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Postings, got.Postings)
	assert.Equal(t, entry.Hash, got.ComputeHash())
}

func TestLastJournalEntry_EmptyChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectQuery("SELECT (.+) FROM escrow.journal_entries").
		WithArgs("org-empty").
		WillReturnRows(sqlmock.NewRows(journalRowColumns))

	got, err := ds.LastJournalEntry(context.Background(), "org-empty")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetJournalEntryByDedupe_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectQuery("SELECT (.+) FROM escrow.journal_entries WHERE org_id = (.+) AND dedupe_id = (.+)").
		WithArgs("org-1", "missing").
		WillReturnRows(sqlmock.NewRows(journalRowColumns))

	_, err = ds.GetJournalEntryByDedupe(context.Background(), "org-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO escrow.journal_entries").
		WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	err = ds.RunInTx(context.Background(), func(q Queries) error {
		return q.InsertJournalEntry(context.Background(), sampleJournalEntry())
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTx_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := NewDatasource(db)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO escrow.journal_entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = ds.RunInTx(context.Background(), func(q Queries) error {
		return q.InsertJournalEntry(context.Background(), sampleJournalEntry())
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
