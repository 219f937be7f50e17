// Package memory is an in-process implementation of database.IDataSource. It enforces the
// same uniqueness and compare-and-set rules as the Postgres store and is used by tests and
// the local CLI.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/model"
	"github.com/pkg/errors"
)

type state struct {
	journal   map[string][]model.JournalEntry
	accounts  map[string]model.DesignatedAccount
	transfers []model.DesignatedTransfer
	audit     map[string][]model.AuditLogEntry
	records   []model.ReconciliationRecord
	artifacts map[string]model.EvidenceArtifact
	alerts    []model.Alert
	flags     []model.ViolationFlag
	filings   map[string]model.FilingTask
}

func newState() *state {
	return &state{
		journal:   map[string][]model.JournalEntry{},
		accounts:  map[string]model.DesignatedAccount{},
		audit:     map[string][]model.AuditLogEntry{},
		artifacts: map[string]model.EvidenceArtifact{},
		filings:   map[string]model.FilingTask{},
	}
}

// clone copies every table. Rows are values, so nested slices and maps are shared but never
// mutated in place.
func (s *state) clone() *state {
	c := newState()
	for org, entries := range s.journal {
		c.journal[org] = append([]model.JournalEntry(nil), entries...)
	}
	for id, a := range s.accounts {
		c.accounts[id] = a
	}
	c.transfers = append(c.transfers, s.transfers...)
	for org, entries := range s.audit {
		c.audit[org] = append([]model.AuditLogEntry(nil), entries...)
	}
	c.records = append(c.records, s.records...)
	for id, a := range s.artifacts {
		c.artifacts[id] = a
	}
	c.alerts = append(c.alerts, s.alerts...)
	c.flags = append(c.flags, s.flags...)
	for id, f := range s.filings {
		c.filings[id] = f
	}
	return c
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu   sync.Mutex
	root *view
}

var _ database.IDataSource = (*Store)(nil)

func New() *Store {
	s := &Store{}
	s.root = &view{s: newState(), mu: &s.mu}
	return s
}

func (st *Store) RunInTx(ctx context.Context, fn func(q database.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	snapshot := st.root.s.clone()
	if err := fn(&view{s: snapshot}); err != nil {
		return err
	}
	st.root.s = snapshot
	return nil
}

// view implements database.Queries over one state. The root view locks the store for each
// call; transaction views run under the lock already held by RunInTx.
type view struct {
	s  *state
	mu *sync.Mutex
}

func (v *view) guard() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

func (st *Store) LastJournalEntry(ctx context.Context, orgID string) (*model.JournalEntry, error) {
	return st.root.LastJournalEntry(ctx, orgID)
}

func (v *view) LastJournalEntry(_ context.Context, orgID string) (*model.JournalEntry, error) {
	defer v.guard()()
	entries := v.s.journal[orgID]
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

func (st *Store) InsertJournalEntry(ctx context.Context, entry *model.JournalEntry) error {
	return st.root.InsertJournalEntry(ctx, entry)
}

func (v *view) InsertJournalEntry(_ context.Context, entry *model.JournalEntry) error {
	defer v.guard()()
	entries := v.s.journal[entry.OrgID]
	for _, e := range entries {
		if e.DedupeID == entry.DedupeID {
			return errors.Wrap(database.ErrDuplicate, "journal dedupe id")
		}
		if e.Sequence == entry.Sequence {
			return errors.Wrap(database.ErrConflict, "journal sequence")
		}
	}
	e := *entry
	e.Postings = append([]model.Posting(nil), entry.Postings...)
	v.s.journal[entry.OrgID] = append(entries, e)
	sort.Slice(v.s.journal[entry.OrgID], func(i, j int) bool {
		return v.s.journal[entry.OrgID][i].Sequence < v.s.journal[entry.OrgID][j].Sequence
	})
	return nil
}

func (st *Store) GetJournalEntryByDedupe(ctx context.Context, orgID, dedupeID string) (*model.JournalEntry, error) {
	return st.root.GetJournalEntryByDedupe(ctx, orgID, dedupeID)
}

func (v *view) GetJournalEntryByDedupe(_ context.Context, orgID, dedupeID string) (*model.JournalEntry, error) {
	defer v.guard()()
	for _, e := range v.s.journal[orgID] {
		if e.DedupeID == dedupeID {
			e := e
			return &e, nil
		}
	}
	return nil, database.ErrNotFound
}

func (st *Store) GetJournalEntries(ctx context.Context, orgID string, afterSequence int64, limit int) ([]*model.JournalEntry, error) {
	return st.root.GetJournalEntries(ctx, orgID, afterSequence, limit)
}

func (v *view) GetJournalEntries(_ context.Context, orgID string, afterSequence int64, limit int) ([]*model.JournalEntry, error) {
	defer v.guard()()
	out := []*model.JournalEntry{}
	for _, e := range v.s.journal[orgID] {
		if e.Sequence <= afterSequence {
			continue
		}
		if len(out) == limit {
			break
		}
		e := e
		out = append(out, &e)
	}
	return out, nil
}

// TamperJournalEntry rewrites a stored entry without touching its hash.
func (st *Store) TamperJournalEntry(orgID string, sequence int64, mutate func(e *model.JournalEntry)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	entries := st.root.s.journal[orgID]
	for i := range entries {
		if entries[i].Sequence == sequence {
			e := entries[i]
			e.Postings = append([]model.Posting(nil), e.Postings...)
			mutate(&e)
			entries[i] = e
		}
	}
}

func (st *Store) CreateDesignatedAccount(ctx context.Context, account *model.DesignatedAccount) error {
	return st.root.CreateDesignatedAccount(ctx, account)
}

func (v *view) CreateDesignatedAccount(_ context.Context, account *model.DesignatedAccount) error {
	defer v.guard()()
	for _, a := range v.s.accounts {
		if a.OrgID == account.OrgID && a.LiabilityType == account.LiabilityType {
			return errors.Wrap(database.ErrDuplicate, "designated account type")
		}
	}
	if _, ok := v.s.accounts[account.ID]; ok {
		return errors.Wrap(database.ErrConflict, "designated account id")
	}
	v.s.accounts[account.ID] = *account
	return nil
}

func (st *Store) GetDesignatedAccount(ctx context.Context, id string) (*model.DesignatedAccount, error) {
	return st.root.GetDesignatedAccount(ctx, id)
}

func (v *view) GetDesignatedAccount(_ context.Context, id string) (*model.DesignatedAccount, error) {
	defer v.guard()()
	a, ok := v.s.accounts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &a, nil
}

func (st *Store) GetDesignatedAccountByType(ctx context.Context, orgID string, liabilityType model.LiabilityType) (*model.DesignatedAccount, error) {
	return st.root.GetDesignatedAccountByType(ctx, orgID, liabilityType)
}

func (v *view) GetDesignatedAccountByType(_ context.Context, orgID string, liabilityType model.LiabilityType) (*model.DesignatedAccount, error) {
	defer v.guard()()
	for _, a := range v.s.accounts {
		if a.OrgID == orgID && a.LiabilityType == liabilityType {
			a := a
			return &a, nil
		}
	}
	return nil, database.ErrNotFound
}

func (st *Store) ListDesignatedAccounts(ctx context.Context, orgID string) ([]*model.DesignatedAccount, error) {
	return st.root.ListDesignatedAccounts(ctx, orgID)
}

func (v *view) ListDesignatedAccounts(_ context.Context, orgID string) ([]*model.DesignatedAccount, error) {
	defer v.guard()()
	out := []*model.DesignatedAccount{}
	for _, a := range v.s.accounts {
		if a.OrgID == orgID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *Store) ListDesignatedOrgs(ctx context.Context) ([]string, error) {
	return st.root.ListDesignatedOrgs(ctx)
}

func (v *view) ListDesignatedOrgs(_ context.Context) ([]string, error) {
	defer v.guard()()
	seen := map[string]bool{}
	out := []string{}
	for _, a := range v.s.accounts {
		if !seen[a.OrgID] {
			seen[a.OrgID] = true
			out = append(out, a.OrgID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (st *Store) UpdateDesignatedAccount(ctx context.Context, account *model.DesignatedAccount) error {
	return st.root.UpdateDesignatedAccount(ctx, account)
}

func (v *view) UpdateDesignatedAccount(_ context.Context, account *model.DesignatedAccount) error {
	defer v.guard()()
	stored, ok := v.s.accounts[account.ID]
	if !ok || stored.Version != account.Version {
		return errors.Wrapf(database.ErrConflict, "designated account %s changed since version %d", account.ID, account.Version)
	}
	stored.BalanceCents = account.BalanceCents
	stored.Status = account.Status
	stored.DepositOnly = account.DepositOnly
	stored.UpdatedAt = account.UpdatedAt
	stored.Version++
	v.s.accounts[account.ID] = stored
	account.Version = stored.Version
	return nil
}

func (st *Store) InsertDesignatedTransfer(ctx context.Context, transfer *model.DesignatedTransfer) error {
	return st.root.InsertDesignatedTransfer(ctx, transfer)
}

func (v *view) InsertDesignatedTransfer(_ context.Context, transfer *model.DesignatedTransfer) error {
	defer v.guard()()
	for _, t := range v.s.transfers {
		if t.OrgID == transfer.OrgID && t.DedupeID == transfer.DedupeID {
			return errors.Wrap(database.ErrDuplicate, "designated transfer dedupe id")
		}
	}
	v.s.transfers = append(v.s.transfers, *transfer)
	return nil
}

func (st *Store) GetDesignatedTransferByDedupe(ctx context.Context, orgID, dedupeID string) (*model.DesignatedTransfer, error) {
	return st.root.GetDesignatedTransferByDedupe(ctx, orgID, dedupeID)
}

func (v *view) GetDesignatedTransferByDedupe(_ context.Context, orgID, dedupeID string) (*model.DesignatedTransfer, error) {
	defer v.guard()()
	for _, t := range v.s.transfers {
		if t.OrgID == orgID && t.DedupeID == dedupeID {
			t := t
			return &t, nil
		}
	}
	return nil, database.ErrNotFound
}

func (st *Store) SumSettledCents(ctx context.Context, orgID, filingID string) (int64, error) {
	return st.root.SumSettledCents(ctx, orgID, filingID)
}

func (v *view) SumSettledCents(_ context.Context, orgID, filingID string) (int64, error) {
	defer v.guard()()
	var settled int64
	for _, t := range v.s.transfers {
		if t.OrgID != orgID || t.FilingID != filingID || t.Source != model.SourceSettlementRelease {
			continue
		}
		next, err := model.AddCents(settled, -t.AmountCents)
		if err != nil {
			return 0, err
		}
		settled = next
	}
	return settled, nil
}

func (st *Store) ListTransfersSince(ctx context.Context, accountID string, since time.Time) ([]*model.DesignatedTransfer, error) {
	return st.root.ListTransfersSince(ctx, accountID, since)
}

func (v *view) ListTransfersSince(_ context.Context, accountID string, since time.Time) ([]*model.DesignatedTransfer, error) {
	defer v.guard()()
	out := []*model.DesignatedTransfer{}
	for _, t := range v.s.transfers {
		if t.AccountID == accountID && !t.CreatedAt.Before(since) {
			t := t
			out = append(out, &t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (st *Store) LastAuditEntry(ctx context.Context, orgID string) (*model.AuditLogEntry, error) {
	return st.root.LastAuditEntry(ctx, orgID)
}

func (v *view) LastAuditEntry(_ context.Context, orgID string) (*model.AuditLogEntry, error) {
	defer v.guard()()
	entries := v.s.audit[orgID]
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

func (st *Store) InsertAuditEntry(ctx context.Context, entry *model.AuditLogEntry) error {
	return st.root.InsertAuditEntry(ctx, entry)
}

func (v *view) InsertAuditEntry(_ context.Context, entry *model.AuditLogEntry) error {
	defer v.guard()()
	entries := v.s.audit[entry.OrgID]
	for _, e := range entries {
		if e.Sequence == entry.Sequence {
			return errors.Wrap(database.ErrConflict, "audit sequence")
		}
	}
	v.s.audit[entry.OrgID] = append(entries, *entry)
	return nil
}

func (st *Store) GetAuditEntries(ctx context.Context, orgID string, afterSequence int64, limit int) ([]*model.AuditLogEntry, error) {
	return st.root.GetAuditEntries(ctx, orgID, afterSequence, limit)
}

func (v *view) GetAuditEntries(_ context.Context, orgID string, afterSequence int64, limit int) ([]*model.AuditLogEntry, error) {
	defer v.guard()()
	out := []*model.AuditLogEntry{}
	for _, e := range v.s.audit[orgID] {
		if e.Sequence <= afterSequence {
			continue
		}
		if len(out) == limit {
			break
		}
		e := e
		out = append(out, &e)
	}
	return out, nil
}

func (st *Store) InsertReconciliationRecord(ctx context.Context, record *model.ReconciliationRecord) error {
	return st.root.InsertReconciliationRecord(ctx, record)
}

func (v *view) InsertReconciliationRecord(_ context.Context, record *model.ReconciliationRecord) error {
	defer v.guard()()
	if record.DedupeID != "" {
		for _, r := range v.s.records {
			if r.OrgID == record.OrgID && r.DedupeID == record.DedupeID {
				return errors.Wrap(database.ErrDuplicate, "reconciliation dedupe id")
			}
		}
	}
	v.s.records = append(v.s.records, *record)
	return nil
}

func (st *Store) GetReconciliationRecordByDedupe(ctx context.Context, orgID, dedupeID string) (*model.ReconciliationRecord, error) {
	return st.root.GetReconciliationRecordByDedupe(ctx, orgID, dedupeID)
}

func (v *view) GetReconciliationRecordByDedupe(_ context.Context, orgID, dedupeID string) (*model.ReconciliationRecord, error) {
	defer v.guard()()
	for _, r := range v.s.records {
		if r.OrgID == orgID && r.DedupeID != "" && r.DedupeID == dedupeID {
			r := r
			return &r, nil
		}
	}
	return nil, database.ErrNotFound
}

func (st *Store) ListPendingReconciliationRecords(ctx context.Context, orgID string) ([]*model.ReconciliationRecord, error) {
	return st.root.ListPendingReconciliationRecords(ctx, orgID)
}

func (v *view) ListPendingReconciliationRecords(_ context.Context, orgID string) ([]*model.ReconciliationRecord, error) {
	defer v.guard()()
	out := []*model.ReconciliationRecord{}
	for _, r := range v.s.records {
		if r.OrgID == orgID && r.Status == model.ReconciliationPending {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (st *Store) ListReconciliationRecords(ctx context.Context, accountID string) ([]*model.ReconciliationRecord, error) {
	return st.root.ListReconciliationRecords(ctx, accountID)
}

func (v *view) ListReconciliationRecords(_ context.Context, accountID string) ([]*model.ReconciliationRecord, error) {
	defer v.guard()()
	out := []*model.ReconciliationRecord{}
	for _, r := range v.s.records {
		if r.AccountID == accountID {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}

func (st *Store) UpdateReconciliationRecord(ctx context.Context, record *model.ReconciliationRecord) error {
	return st.root.UpdateReconciliationRecord(ctx, record)
}

func (v *view) UpdateReconciliationRecord(_ context.Context, record *model.ReconciliationRecord) error {
	defer v.guard()()
	for i := range v.s.records {
		if v.s.records[i].ID == record.ID {
			v.s.records[i] = *record
			return nil
		}
	}
	return database.ErrNotFound
}

func (st *Store) InsertEvidenceArtifact(ctx context.Context, artifact *model.EvidenceArtifact) error {
	return st.root.InsertEvidenceArtifact(ctx, artifact)
}

func (v *view) InsertEvidenceArtifact(_ context.Context, artifact *model.EvidenceArtifact) error {
	defer v.guard()()
	if _, ok := v.s.artifacts[artifact.ID]; ok {
		return errors.Wrap(database.ErrConflict, "evidence artifact id")
	}
	a := *artifact
	a.Payload = append([]byte(nil), artifact.Payload...)
	v.s.artifacts[a.ID] = a
	return nil
}

func (st *Store) SealEvidenceLocator(ctx context.Context, id, uri string) error {
	return st.root.SealEvidenceLocator(ctx, id, uri)
}

func (v *view) SealEvidenceLocator(_ context.Context, id, uri string) error {
	defer v.guard()()
	a, ok := v.s.artifacts[id]
	if !ok || a.ImmutableURI != model.PendingEvidenceLocator {
		return errors.Wrapf(database.ErrConflict, "evidence artifact %s is missing or already sealed", id)
	}
	a.ImmutableURI = uri
	v.s.artifacts[id] = a
	return nil
}

func (st *Store) GetEvidenceArtifact(ctx context.Context, id string) (*model.EvidenceArtifact, error) {
	return st.root.GetEvidenceArtifact(ctx, id)
}

func (v *view) GetEvidenceArtifact(_ context.Context, id string) (*model.EvidenceArtifact, error) {
	defer v.guard()()
	a, ok := v.s.artifacts[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	a.Payload = append([]byte(nil), a.Payload...)
	return &a, nil
}

func (st *Store) InsertAlertIfNoneOpen(ctx context.Context, alert *model.Alert) (bool, error) {
	return st.root.InsertAlertIfNoneOpen(ctx, alert)
}

func (v *view) InsertAlertIfNoneOpen(_ context.Context, alert *model.Alert) (bool, error) {
	defer v.guard()()
	for _, a := range v.s.alerts {
		if a.OrgID == alert.OrgID && a.Kind == alert.Kind && a.ResolvedAt == nil {
			return false, nil
		}
	}
	v.s.alerts = append(v.s.alerts, *alert)
	return true, nil
}

func (st *Store) GetOpenAlert(ctx context.Context, orgID string, kind model.AlertKind) (*model.Alert, error) {
	return st.root.GetOpenAlert(ctx, orgID, kind)
}

func (v *view) GetOpenAlert(_ context.Context, orgID string, kind model.AlertKind) (*model.Alert, error) {
	defer v.guard()()
	for _, a := range v.s.alerts {
		if a.OrgID == orgID && a.Kind == kind && a.ResolvedAt == nil {
			a := a
			return &a, nil
		}
	}
	return nil, database.ErrNotFound
}

// OpenAlerts counts unresolved alerts of kind for orgID.
func (st *Store) OpenAlerts(orgID string, kind model.AlertKind) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, a := range st.root.s.alerts {
		if a.OrgID == orgID && a.Kind == kind && a.ResolvedAt == nil {
			n++
		}
	}
	return n
}

func (st *Store) ResolveAlerts(ctx context.Context, orgID string, kind model.AlertKind, at time.Time) (int64, error) {
	return st.root.ResolveAlerts(ctx, orgID, kind, at)
}

func (v *view) ResolveAlerts(_ context.Context, orgID string, kind model.AlertKind, at time.Time) (int64, error) {
	defer v.guard()()
	var n int64
	for i := range v.s.alerts {
		a := &v.s.alerts[i]
		if a.OrgID == orgID && a.Kind == kind && a.ResolvedAt == nil {
			resolved := at
			a.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (st *Store) InsertViolationFlag(ctx context.Context, flag *model.ViolationFlag) error {
	return st.root.InsertViolationFlag(ctx, flag)
}

func (v *view) InsertViolationFlag(_ context.Context, flag *model.ViolationFlag) error {
	defer v.guard()()
	v.s.flags = append(v.s.flags, *flag)
	return nil
}

func (st *Store) CountOpenViolationFlags(ctx context.Context, orgID string) (int, error) {
	return st.root.CountOpenViolationFlags(ctx, orgID)
}

func (v *view) CountOpenViolationFlags(_ context.Context, orgID string) (int, error) {
	defer v.guard()()
	n := 0
	for _, f := range v.s.flags {
		if f.OrgID == orgID && f.Status == model.FlagOpen {
			n++
		}
	}
	return n, nil
}

func (st *Store) ResolveViolationFlags(ctx context.Context, orgID string, at time.Time) (int64, error) {
	return st.root.ResolveViolationFlags(ctx, orgID, at)
}

func (v *view) ResolveViolationFlags(_ context.Context, orgID string, at time.Time) (int64, error) {
	defer v.guard()()
	var n int64
	for i := range v.s.flags {
		f := &v.s.flags[i]
		if f.OrgID == orgID && f.Status == model.FlagOpen {
			resolved := at
			f.Status = model.FlagResolved
			f.ResolvedAt = &resolved
			n++
		}
	}
	return n, nil
}

func (st *Store) InsertFilingTask(ctx context.Context, task *model.FilingTask) error {
	return st.root.InsertFilingTask(ctx, task)
}

func (v *view) InsertFilingTask(_ context.Context, task *model.FilingTask) error {
	defer v.guard()()
	for _, f := range v.s.filings {
		if f.OrgID == task.OrgID && f.Kind == task.Kind && f.ReferenceID == task.ReferenceID {
			return errors.Wrap(database.ErrDuplicate, "filing reference")
		}
	}
	v.s.filings[task.ID] = *task
	return nil
}

func (st *Store) GetFilingTask(ctx context.Context, id string) (*model.FilingTask, error) {
	return st.root.GetFilingTask(ctx, id)
}

func (v *view) GetFilingTask(_ context.Context, id string) (*model.FilingTask, error) {
	defer v.guard()()
	f, ok := v.s.filings[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &f, nil
}

func (st *Store) GetFilingTaskByReference(ctx context.Context, orgID string, kind model.FilingKind, referenceID string) (*model.FilingTask, error) {
	return st.root.GetFilingTaskByReference(ctx, orgID, kind, referenceID)
}

func (v *view) GetFilingTaskByReference(_ context.Context, orgID string, kind model.FilingKind, referenceID string) (*model.FilingTask, error) {
	defer v.guard()()
	for _, f := range v.s.filings {
		if f.OrgID == orgID && f.Kind == kind && f.ReferenceID == referenceID {
			f := f
			return &f, nil
		}
	}
	return nil, database.ErrNotFound
}

func (st *Store) ReadyFilingTasks(ctx context.Context, kind model.FilingKind, now time.Time, limit int) ([]*model.FilingTask, error) {
	return st.root.ReadyFilingTasks(ctx, kind, now, limit)
}

func (v *view) ReadyFilingTasks(_ context.Context, kind model.FilingKind, now time.Time, limit int) ([]*model.FilingTask, error) {
	defer v.guard()()
	out := []*model.FilingTask{}
	for _, f := range v.s.filings {
		if f.Kind == kind && f.Status.IsClaimable() && !f.NextAttemptAt.After(now) {
			f := f
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *Store) ClaimFilingTask(ctx context.Context, id string, from model.FilingStatus, at time.Time) (bool, error) {
	return st.root.ClaimFilingTask(ctx, id, from, at)
}

func (v *view) ClaimFilingTask(_ context.Context, id string, from model.FilingStatus, at time.Time) (bool, error) {
	defer v.guard()()
	f, ok := v.s.filings[id]
	if !ok || f.Status != from {
		return false, nil
	}
	claimed := at
	f.Status = model.FilingSubmitting
	f.ClaimedAt = &claimed
	f.UpdatedAt = at
	v.s.filings[id] = f
	return true, nil
}

func (st *Store) UpdateFilingTask(ctx context.Context, task *model.FilingTask, expected model.FilingStatus) error {
	return st.root.UpdateFilingTask(ctx, task, expected)
}

func (v *view) UpdateFilingTask(_ context.Context, task *model.FilingTask, expected model.FilingStatus) error {
	defer v.guard()()
	f, ok := v.s.filings[task.ID]
	if !ok || f.Status != expected {
		return errors.Wrapf(database.ErrStaleStatus, "filing task %s is no longer %s", task.ID, expected)
	}
	f.Status = task.Status
	f.Attempts = task.Attempts
	f.LastAttemptAt = task.LastAttemptAt
	f.NextAttemptAt = task.NextAttemptAt
	f.EscrowVerifiedAt = task.EscrowVerifiedAt
	f.ClaimedAt = task.ClaimedAt
	f.SubmissionID = task.SubmissionID
	f.LastError = task.LastError
	f.UpdatedAt = task.UpdatedAt
	v.s.filings[task.ID] = f
	return nil
}

func (st *Store) StaleClaimedFilingTasks(ctx context.Context, claimedBefore time.Time, limit int) ([]*model.FilingTask, error) {
	return st.root.StaleClaimedFilingTasks(ctx, claimedBefore, limit)
}

func (v *view) StaleClaimedFilingTasks(_ context.Context, claimedBefore time.Time, limit int) ([]*model.FilingTask, error) {
	defer v.guard()()
	out := []*model.FilingTask{}
	for _, f := range v.s.filings {
		if f.Status == model.FilingSubmitting && f.ClaimedAt != nil && f.ClaimedAt.Before(claimedBefore) {
			f := f
			out = append(out, &f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
