package model

import "time"

type AlertKind string

const AlertDesignatedWithdrawalAttempt AlertKind = "DESIGNATED_WITHDRAWAL_ATTEMPT"

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "LOW"
	SeverityMedium AlertSeverity = "MEDIUM"
	SeverityHigh   AlertSeverity = "HIGH"
)

// Alert is an operator-facing signal. At most one unresolved alert of a kind exists per org.
type Alert struct {
	ID         string        `json:"id"`
	OrgID      string        `json:"org_id"`
	Kind       AlertKind     `json:"kind"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

type FlagStatus string

const (
	FlagOpen     FlagStatus = "OPEN"
	FlagResolved FlagStatus = "RESOLVED"
)

// ViolationFlag marks a policy violation against an org's designated accounts.
// While any flag is OPEN, filings for the org are escrow-blocked.
type ViolationFlag struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	AccountID  string     `json:"account_id,omitempty"`
	Code       string     `json:"code"`
	Reason     string     `json:"reason"`
	Status     FlagStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
