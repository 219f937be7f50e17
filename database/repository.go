/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"time"

	"github.com/apgms/escrow/model"
)

// IDataSource is the transactional store shared by every component.
type IDataSource interface {
	Queries

	// RunInTx runs fn inside one serializable transaction. The Queries handed to fn are bound
	// to that transaction; a non-nil error from fn rolls everything back.
	RunInTx(ctx context.Context, fn func(q Queries) error) error
}

// Queries groups every store operation. Implementations are bound either to the
// connection pool or to a single transaction.
type Queries interface {
	journal        // Hash-chained journal entries
	designated     // Designated accounts and their transfers
	audit          // Hash-chained audit log
	reconciliation // Reconciliation records
	evidence       // Sealed evidence artifacts
	alert          // Alerts and violation flags
	filing         // Settlement filing tasks
}

// journal defines methods for the append-only journal.
type journal interface {
	LastJournalEntry(ctx context.Context, orgID string) (*model.JournalEntry, error)                               // Highest sequence for org, nil when the org has none
	InsertJournalEntry(ctx context.Context, entry *model.JournalEntry) error                                       // ErrDuplicate on (org, dedupe), ErrConflict on a sequence race
	GetJournalEntryByDedupe(ctx context.Context, orgID, dedupeID string) (*model.JournalEntry, error)              // ErrNotFound when missing
	GetJournalEntries(ctx context.Context, orgID string, afterSequence int64, limit int) ([]*model.JournalEntry, error) // Ordered by sequence
}

// designated defines methods for designated accounts.
type designated interface {
	CreateDesignatedAccount(ctx context.Context, account *model.DesignatedAccount) error
	GetDesignatedAccount(ctx context.Context, id string) (*model.DesignatedAccount, error)
	GetDesignatedAccountByType(ctx context.Context, orgID string, liabilityType model.LiabilityType) (*model.DesignatedAccount, error)
	ListDesignatedAccounts(ctx context.Context, orgID string) ([]*model.DesignatedAccount, error)
	ListDesignatedOrgs(ctx context.Context) ([]string, error)
	UpdateDesignatedAccount(ctx context.Context, account *model.DesignatedAccount) error // Optimistic on Version, bumps it; ErrConflict when stale
	InsertDesignatedTransfer(ctx context.Context, transfer *model.DesignatedTransfer) error
	GetDesignatedTransferByDedupe(ctx context.Context, orgID, dedupeID string) (*model.DesignatedTransfer, error)
	SumSettledCents(ctx context.Context, orgID, filingID string) (int64, error)
	ListTransfersSince(ctx context.Context, accountID string, since time.Time) ([]*model.DesignatedTransfer, error)
}

// audit defines methods for the audit trail.
type audit interface {
	LastAuditEntry(ctx context.Context, orgID string) (*model.AuditLogEntry, error) // nil when the org has none
	InsertAuditEntry(ctx context.Context, entry *model.AuditLogEntry) error
	GetAuditEntries(ctx context.Context, orgID string, afterSequence int64, limit int) ([]*model.AuditLogEntry, error)
}

// reconciliation defines methods for reconciliation records.
type reconciliation interface {
	InsertReconciliationRecord(ctx context.Context, record *model.ReconciliationRecord) error // ErrDuplicate on (org, dedupe id)
	GetReconciliationRecordByDedupe(ctx context.Context, orgID, dedupeID string) (*model.ReconciliationRecord, error)
	ListPendingReconciliationRecords(ctx context.Context, orgID string) ([]*model.ReconciliationRecord, error)
	ListReconciliationRecords(ctx context.Context, accountID string) ([]*model.ReconciliationRecord, error)
	UpdateReconciliationRecord(ctx context.Context, record *model.ReconciliationRecord) error
}

// evidence defines methods for evidence artifacts.
type evidence interface {
	InsertEvidenceArtifact(ctx context.Context, artifact *model.EvidenceArtifact) error
	SealEvidenceLocator(ctx context.Context, id, uri string) error // Only a pending locator may be replaced
	GetEvidenceArtifact(ctx context.Context, id string) (*model.EvidenceArtifact, error)
}

// alert defines methods for alerts and violation flags.
type alert interface {
	InsertAlertIfNoneOpen(ctx context.Context, alert *model.Alert) (bool, error) // false when an open alert of the kind already exists
	GetOpenAlert(ctx context.Context, orgID string, kind model.AlertKind) (*model.Alert, error)
	ResolveAlerts(ctx context.Context, orgID string, kind model.AlertKind, at time.Time) (int64, error)
	InsertViolationFlag(ctx context.Context, flag *model.ViolationFlag) error
	CountOpenViolationFlags(ctx context.Context, orgID string) (int, error)
	ResolveViolationFlags(ctx context.Context, orgID string, at time.Time) (int64, error)
}

// filing defines methods for the settlement filing queue.
type filing interface {
	InsertFilingTask(ctx context.Context, task *model.FilingTask) error // ErrDuplicate on (org, kind, reference)
	GetFilingTask(ctx context.Context, id string) (*model.FilingTask, error)
	GetFilingTaskByReference(ctx context.Context, orgID string, kind model.FilingKind, referenceID string) (*model.FilingTask, error)
	ReadyFilingTasks(ctx context.Context, kind model.FilingKind, now time.Time, limit int) ([]*model.FilingTask, error)
	ClaimFilingTask(ctx context.Context, id string, from model.FilingStatus, at time.Time) (bool, error) // Compare-and-set to SUBMITTING
	UpdateFilingTask(ctx context.Context, task *model.FilingTask, expected model.FilingStatus) error   // ErrStaleStatus when the stored status moved
	StaleClaimedFilingTasks(ctx context.Context, claimedBefore time.Time, limit int) ([]*model.FilingTask, error)
}
