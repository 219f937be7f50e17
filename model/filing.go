package model

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// FilingKind selects the filing queue and the regulator endpoint.
type FilingKind string

const (
	// FilingWithholding is a per payroll run withholding filing.
	FilingWithholding FilingKind = "WITHHOLDING"
	// FilingStatement is a periodic statement covering withholding and consumption tax.
	FilingStatement FilingKind = "STATEMENT"
)

// Valid reports whether k is a known filing kind.
func (k FilingKind) Valid() bool {
	return k == FilingWithholding || k == FilingStatement
}

// Slug is the lower-case name used in audit actions and metric names.
func (k FilingKind) Slug() string {
	return strings.ToLower(string(k))
}

type FilingStatus string

const (
	FilingPending       FilingStatus = "PENDING"
	FilingEscrowBlocked FilingStatus = "ESCROW_BLOCKED"
	FilingEscrowDeficit FilingStatus = "ESCROW_DEFICIT"
	FilingRetry         FilingStatus = "RETRY"
	FilingFiled         FilingStatus = "FILED"
	FilingFailed        FilingStatus = "FAILED"
	// FilingSubmitting marks a task claimed by a worker.
	FilingSubmitting FilingStatus = "SUBMITTING"
	// FilingManualReview is terminal: the authority asked for human review.
	FilingManualReview FilingStatus = "MANUAL_REVIEW"
)

// IsTerminal reports whether no further automatic transition can leave s.
func (s FilingStatus) IsTerminal() bool {
	return s == FilingFiled || s == FilingFailed || s == FilingManualReview
}

// ReadyStatuses are the statuses a worker may claim from once NextAttemptAt has passed.
var ReadyStatuses = []FilingStatus{FilingPending, FilingRetry, FilingEscrowBlocked, FilingEscrowDeficit}

// IsClaimable reports whether a worker may claim a task in status s.
func (s FilingStatus) IsClaimable() bool {
	for _, r := range ReadyStatuses {
		if s == r {
			return true
		}
	}
	return false
}

// FilingTask is one unit of work of the settlement filing queue.
type FilingTask struct {
	ID               string          `json:"id"`
	OrgID            string          `json:"org_id"`
	Kind             FilingKind      `json:"kind"`
	ReferenceID      string          `json:"reference_id"`
	WithholdingCents int64           `json:"withholding_cents"`
	ConsumptionCents int64           `json:"consumption_cents"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           FilingStatus    `json:"status"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	LastAttemptAt    *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt    time.Time       `json:"next_attempt_at"`
	EscrowVerifiedAt *time.Time      `json:"escrow_verified_at,omitempty"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	SubmissionID     string          `json:"submission_id,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Liability is the amount the escrow must cover before this filing may be submitted.
// It fails with ErrAmountOverflow when a statement's amounts do not sum within an int64.
func (t *FilingTask) Liability() (int64, error) {
	if t.Kind != FilingStatement {
		return t.WithholdingCents, nil
	}
	return AddCents(t.WithholdingCents, t.ConsumptionCents)
}

// LiabilityCents is Liability saturated at math.MaxInt64.
func (t *FilingTask) LiabilityCents() int64 {
	total, err := t.Liability()
	if err != nil {
		return math.MaxInt64
	}
	return total
}

// FilingRequest creates a filing task. ReferenceID is the pay run id or the statement period id.
type FilingRequest struct {
	OrgID            string          `json:"org_id"`
	Kind             FilingKind      `json:"kind"`
	ReferenceID      string          `json:"reference_id"`
	WithholdingCents int64           `json:"withholding_cents"`
	ConsumptionCents int64           `json:"consumption_cents"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ActorID          string          `json:"actor_id"`
}

// RegulatorStatus is the outcome reported by the external regulator.
type RegulatorStatus string

const (
	RegulatorAccepted          RegulatorStatus = "ACCEPTED"
	RegulatorNeedsManualReview RegulatorStatus = "NEEDS_MANUAL_REVIEW"
	RegulatorRejected          RegulatorStatus = "REJECTED"
)

// WithholdingReceipt is the regulator response to a withholding filing.
type WithholdingReceipt struct {
	Status       RegulatorStatus `json:"status"`
	SubmissionID string          `json:"submissionId"`
	ReceivedAt   *time.Time      `json:"receivedAt,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// StatementReceipt is the regulator response to a statement filing.
type StatementReceipt struct {
	Status           RegulatorStatus `json:"status"`
	ReceiptReference string          `json:"receiptReference,omitempty"`
	LodgedAt         *time.Time      `json:"lodgedAt,omitempty"`
	Message          string          `json:"message,omitempty"`
}
