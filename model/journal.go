package model

import (
	"strconv"
	"time"
)

// Posting is one leg of a journal entry. Amounts are signed cents.
type Posting struct {
	AccountID   string `json:"account_id"`
	AmountCents int64  `json:"amount_cents"`
	Memo        string `json:"memo,omitempty"`
}

// JournalEntry is one balanced, hash-chained transaction of an organization.
type JournalEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Sequence   int64     `json:"sequence"`
	EventID    string    `json:"event_id"`
	DedupeID   string    `json:"dedupe_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"`
	Postings   []Posting `json:"postings"`
	Hash       string    `json:"hash"`
	PrevHash   string    `json:"prev_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// JournalInput carries the caller supplied fields of a new journal entry.
type JournalInput struct {
	OrgID      string    `json:"org_id"`
	EventID    string    `json:"event_id"`
	DedupeID   string    `json:"dedupe_id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source"`
	Postings   []Posting `json:"postings"`
}

// SumPostings returns the net of all posting amounts. A running total that leaves the int64
// range is reported as ErrAmountOverflow rather than wrapped.
func SumPostings(postings []Posting) (int64, error) {
	var total int64
	for _, p := range postings {
		next, err := AddCents(total, p.AmountCents)
		if err != nil {
			return 0, err
		}
		total = next
	}
	return total, nil
}

// IsBalanced reports whether the entry has postings that net to zero.
func (e *JournalEntry) IsBalanced() bool {
	if len(e.Postings) == 0 {
		return false
	}
	sum, err := SumPostings(e.Postings)
	return err == nil && sum == 0
}

// ComputeHash derives the entry digest from PrevHash and the immutable entry fields.
// OccurredAt must already be truncated to the store's precision (microseconds).
func (e *JournalEntry) ComputeHash() string {
	fields := make([]string, 0, 6+3*len(e.Postings))
	fields = append(fields,
		e.OrgID,
		e.EventID,
		e.DedupeID,
		e.Type,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.Source,
	)
	for _, p := range e.Postings {
		fields = append(fields, p.AccountID, strconv.FormatInt(p.AmountCents, 10), p.Memo)
	}
	return ChainDigest(e.PrevHash, fields...)
}
