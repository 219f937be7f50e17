package model

import "time"

type ReconciliationStatus string

const (
	ReconciliationPending    ReconciliationStatus = "PENDING"
	ReconciliationReconciled ReconciliationStatus = "RECONCILED"
	ReconciliationEscalated  ReconciliationStatus = "ESCALATED"
)

// ReconciliationRecord ties a transfer (or an external observation) to the balance it was
// expected to produce. Discrepancy is ObservedBalance - RecordedBalance.
type ReconciliationRecord struct {
	ID              string               `json:"id"`
	OrgID           string               `json:"org_id"`
	AccountID       string               `json:"account_id"`
	TransferID      string               `json:"transfer_id,omitempty"`
	DedupeID        string               `json:"dedupe_id,omitempty"`
	ExpectedCredit  int64                `json:"expected_credit"`
	RecordedBalance int64                `json:"recorded_balance"`
	ObservedBalance int64                `json:"observed_balance"`
	Discrepancy     int64                `json:"discrepancy"`
	Status          ReconciliationStatus `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
	ReconciledAt    *time.Time           `json:"reconciled_at,omitempty"`
}

// ExpectationInput registers an externally observed expectation to be checked on the next run.
// A repeated non-empty DedupeID within the org resolves to the record already stored.
type ExpectationInput struct {
	OrgID           string `json:"org_id"`
	AccountID       string `json:"account_id"`
	TransferID      string `json:"transfer_id,omitempty"`
	DedupeID        string `json:"dedupe_id,omitempty"`
	ExpectedCredit  int64  `json:"expected_credit"`
	RecordedBalance int64  `json:"recorded_balance"`
}

// AccountMovement summarizes one account inside a reconciliation summary.
type AccountMovement struct {
	AccountID        string        `json:"accountId"`
	Type             LiabilityType `json:"type"`
	Balance          int64         `json:"balance"`
	Inflow24h        int64         `json:"inflow24h"`
	TransferCount24h int           `json:"transferCount24h"`
}

// ReconciliationSummary is the sealed payload of a reconciliation evidence artifact.
type ReconciliationSummary struct {
	GeneratedAt      time.Time         `json:"generatedAt"`
	Totals           map[string]int64  `json:"totals"`
	MovementsLast24h []AccountMovement `json:"movementsLast24h"`
}

// ReconciliationResult is returned by a reconciliation run.
type ReconciliationResult struct {
	Summary    ReconciliationSummary `json:"summary"`
	ArtifactID string                `json:"artifact_id"`
	SHA256     string                `json:"sha256"`
	Reconciled int                   `json:"reconciled"`
	Escalated  int                   `json:"escalated"`
}
