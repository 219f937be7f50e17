package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Reasons reported by ChainBreak.
const (
	BreakHashMismatch     = "hash_mismatch"
	BreakPrevHashMismatch = "prev_hash_mismatch"
	BreakSequenceGap      = "sequence_gap"
	BreakUnbalanced       = "unbalanced"
)

// ChainDigest returns the hex encoded SHA-256 digest of prevHash followed by fields, in order.
// It is the single hashing primitive shared by the journal and the audit trail. Every value is
// written behind its 8-byte big-endian length, so no field content can shift a boundary.
func ChainDigest(prevHash string, fields ...string) string {
	h := sha256.New()
	writeChainField(h, prevHash)
	for _, f := range fields {
		writeChainField(h, f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeChainField(w io.Writer, field string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(field)))
	_, _ = w.Write(size[:])
	_, _ = io.WriteString(w, field)
}

// SHA256Hex returns the hex encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v into a stable form: object keys sorted and numbers kept
// exactly as written. Re-encoding a value read back from a JSONB column yields the same bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ChainBreak describes the first entry of a chain that failed verification.
type ChainBreak struct {
	Sequence int64  `json:"sequence"`
	EntryID  string `json:"entry_id"`
	Reason   string `json:"reason"`
}

func (b *ChainBreak) Error() string {
	return fmt.Sprintf("chain broken at sequence %d (%s): %s", b.Sequence, b.EntryID, b.Reason)
}

// VerifyJournalChain walks entries in sequence order and returns the first break, or nil
// when every stored hash is reproduced from its own fields and links to its predecessor.
// Each entry is recomputed from its stored prevHash, so tampering with entry k is reported
// at k without trusting anything after it.
func VerifyJournalChain(entries []*JournalEntry) *ChainBreak {
	return VerifyJournalChainAfter(nil, entries)
}

// VerifyJournalChainAfter verifies entries as the continuation of an already verified prev.
// A nil prev means entries start at the genesis entry.
func VerifyJournalChainAfter(prev *JournalEntry, entries []*JournalEntry) *ChainBreak {
	for _, e := range entries {
		if e.ComputeHash() != e.Hash {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakHashMismatch}
		}
		if !e.IsBalanced() {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakUnbalanced}
		}
		expectedSeq := int64(1)
		expectedPrev := ""
		if prev != nil {
			expectedSeq = prev.Sequence + 1
			expectedPrev = prev.Hash
		}
		if e.Sequence != expectedSeq {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakSequenceGap}
		}
		if e.PrevHash != expectedPrev {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakPrevHashMismatch}
		}
		prev = e
	}
	return nil
}

// VerifyAuditChain is VerifyJournalChain for audit entries.
func VerifyAuditChain(entries []*AuditLogEntry) *ChainBreak {
	return VerifyAuditChainAfter(nil, entries)
}

// VerifyAuditChainAfter is VerifyJournalChainAfter for audit entries.
func VerifyAuditChainAfter(prev *AuditLogEntry, entries []*AuditLogEntry) *ChainBreak {
	for _, e := range entries {
		computed, err := e.ComputeHash()
		if err != nil || computed != e.Hash {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakHashMismatch}
		}
		expectedSeq := int64(1)
		expectedPrev := ""
		if prev != nil {
			expectedSeq = prev.Sequence + 1
			expectedPrev = prev.Hash
		}
		if e.Sequence != expectedSeq {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakSequenceGap}
		}
		if e.PrevHash != expectedPrev {
			return &ChainBreak{Sequence: e.Sequence, EntryID: e.ID, Reason: BreakPrevHashMismatch}
		}
		prev = e
	}
	return nil
}
