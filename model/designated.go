package model

import (
	"strings"
	"time"
)

// LiabilityType is the statutory liability a designated account is ring-fenced for.
type LiabilityType string

const (
	// LiabilityPAYGW holds tax withheld from wages.
	LiabilityPAYGW LiabilityType = "PAYGW"
	// LiabilityGST holds consumption tax collected at point of sale.
	LiabilityGST LiabilityType = "GST"
)

// Valid reports whether t is a known liability type.
func (t LiabilityType) Valid() bool {
	return t == LiabilityPAYGW || t == LiabilityGST
}

// AccountStatus is the lifecycle state of a designated account.
type AccountStatus string

const (
	AccountActive        AccountStatus = "ACTIVE"
	AccountInvestigating AccountStatus = "INVESTIGATING"
	AccountLocked        AccountStatus = "LOCKED"
	AccountClosed        AccountStatus = "CLOSED"
)

// AcceptsTransfers reports whether money may still move through an account in this state.
func (s AccountStatus) AcceptsTransfers() bool {
	return s == AccountActive || s == AccountInvestigating
}

// FundingSource is a normalized transfer source.
type FundingSource string

const (
	SourcePayrollCapture    FundingSource = "PAYROLL_CAPTURE"
	SourceGSTCapture        FundingSource = "GST_CAPTURE"
	SourceBASEscrow         FundingSource = "BAS_ESCROW"
	SourceSettlementRelease FundingSource = "SETTLEMENT_RELEASE"
)

// NormalizeSource trims, upper-cases and replaces dashes and spaces with underscores,
// so "payroll-capture" and " Payroll Capture" both become PAYROLL_CAPTURE.
func NormalizeSource(raw string) FundingSource {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return FundingSource(s)
}

// ControlAccountID is the contra account debited when funds arrive from source.
func ControlAccountID(source FundingSource) string {
	return "control:" + strings.ToLower(string(source))
}

// DesignatedAccount is a ring-fenced balance bucket for one liability type of one organization.
type DesignatedAccount struct {
	ID            string        `json:"id"`
	OrgID         string        `json:"org_id"`
	LiabilityType LiabilityType `json:"liability_type"`
	BalanceCents  int64         `json:"balance_cents"`
	DepositOnly   bool          `json:"deposit_only"`
	Status        AccountStatus `json:"status"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DesignatedTransfer is an immutable movement against a designated account.
// BalanceAfter captures the account balance right after the movement was applied.
type DesignatedTransfer struct {
	ID             string        `json:"id"`
	OrgID          string        `json:"org_id"`
	AccountID      string        `json:"account_id"`
	AmountCents    int64         `json:"amount_cents"`
	Source         FundingSource `json:"source"`
	DedupeID       string        `json:"dedupe_id"`
	FilingID       string        `json:"filing_id,omitempty"`
	JournalEntryID string        `json:"journal_entry_id"`
	BalanceAfter   int64         `json:"balance_after"`
	CreatedAt      time.Time     `json:"created_at"`
}

// CreditRequest asks for funds to be credited to a designated account.
type CreditRequest struct {
	OrgID       string    `json:"org_id"`
	AccountID   string    `json:"account_id"`
	AmountCents int64     `json:"amount_cents"`
	Source      string    `json:"source"`
	ActorID     string    `json:"actor_id"`
	DedupeID    string    `json:"dedupe_id,omitempty"`
	EventID     string    `json:"event_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at,omitempty"`
}

// DebitRequest asks for funds to leave a designated account outside the settlement path.
type DebitRequest struct {
	OrgID       string `json:"org_id"`
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
	Source      string `json:"source"`
	ActorID     string `json:"actor_id"`
	DedupeID    string `json:"dedupe_id,omitempty"`
}

// SettlementRequest releases escrowed funds after a filing has been accepted.
type SettlementRequest struct {
	OrgID       string `json:"org_id"`
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
	FilingID    string `json:"filing_id"`
	ActorID     string `json:"actor_id"`
	DedupeID    string `json:"dedupe_id,omitempty"`
}

// TransferResult is returned by every designated account movement.
type TransferResult struct {
	AccountID  string        `json:"account_id"`
	NewBalance int64         `json:"new_balance"`
	TransferID string        `json:"transfer_id"`
	Source     FundingSource `json:"source"`
}
