package database

import (
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a lookup by id or key matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an idempotency key has already been used.
	// Callers resolve it by re-reading the existing row.
	ErrDuplicate = errors.New("idempotency key already used")
	// ErrConflict is returned for serialization failures, deadlocks, sequence races and
	// stale optimistic versions. The whole transaction is safe to retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrStaleStatus is returned by compare-and-set updates when the stored status no longer
	// matches the expected one. Another writer won; retrying the same update cannot succeed.
	ErrStaleStatus = errors.New("status changed concurrently")
)

// idempotencyConstraints are the unique constraints that guard caller supplied keys.
// Any other unique violation means a concurrent writer took the same sequence slot.
var idempotencyConstraints = map[string]bool{
	"journal_entries_org_dedupe_key":        true,
	"designated_transfers_org_dedupe_key":   true,
	"filing_tasks_org_kind_reference_key":   true,
	"designated_accounts_org_type_key":      true,
	"reconciliation_records_org_dedupe_key": true,
}

// mapPgError translates driver errors into the package sentinels, keeping the original
// message for logs.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code.Name() {
	case "unique_violation":
		if idempotencyConstraints[pqErr.Constraint] {
			return errors.Wrap(ErrDuplicate, pqErr.Message)
		}
		return errors.Wrap(ErrConflict, pqErr.Message)
	case "serialization_failure", "deadlock_detected":
		return errors.Wrap(ErrConflict, pqErr.Message)
	default:
		return err
	}
}

// IsRetryable reports whether err is a transient store conflict.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
