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

package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// verifyPageSize is the number of chain entries read per page during verification.
const verifyPageSize = 500

func validateJournalInput(input model.JournalInput) error {
	err := validation.ValidateStruct(&input,
		validation.Field(&input.OrgID, validation.Required),
		validation.Field(&input.DedupeID, validation.Required),
		validation.Field(&input.Type, validation.Required),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	if len(input.Postings) == 0 {
		return apierror.NewAPIError(apierror.ErrUnbalancedEntry, "journal entry has no postings", nil)
	}
	sum, err := model.SumPostings(input.Postings)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrUnbalancedEntry, "postings overflow the cents range", nil)
	}
	if sum != 0 {
		return apierror.NewAPIError(apierror.ErrUnbalancedEntry, fmt.Sprintf("postings net to %d, expected 0", sum), nil)
	}
	return nil
}

// AppendJournal appends a balanced entry to the org's hash chain. A repeated dedupe id returns
// the stored entry with created=false instead of an error.
func (e *Escrow) AppendJournal(ctx context.Context, input model.JournalInput) (*model.JournalEntry, bool, error) {
	ctx, span := tracer.Start(ctx, "AppendJournal")
	defer span.End()

	if err := validateJournalInput(input); err != nil {
		return nil, false, err
	}

	var entry *model.JournalEntry
	err := e.inTx(ctx, "append_journal", func(q database.Queries) error {
		var err error
		entry, err = e.appendJournalTx(ctx, q, input)
		return err
	})
	if errors.Is(err, database.ErrDuplicate) {
		existing, err := e.datasource.GetJournalEntryByDedupe(ctx, input.OrgID, input.DedupeID)
		if err != nil {
			span.RecordError(err)
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	return entry, true, nil
}

// appendJournalTx chains a new entry after the org's last one inside an open transaction.
// A dedupe collision surfaces as database.ErrDuplicate and aborts the caller's transaction.
func (e *Escrow) appendJournalTx(ctx context.Context, q database.Queries, input model.JournalInput) (*model.JournalEntry, error) {
	if err := validateJournalInput(input); err != nil {
		return nil, err
	}

	last, err := q.LastJournalEntry(ctx, input.OrgID)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	entry := &model.JournalEntry{
		ID:         model.GenerateUUIDWithSuffix("jrn"),
		OrgID:      input.OrgID,
		Sequence:   1,
		EventID:    input.EventID,
		DedupeID:   input.DedupeID,
		Type:       input.Type,
		OccurredAt: occurredAt.UTC().Truncate(time.Microsecond),
		Source:     input.Source,
		Postings:   append([]model.Posting(nil), input.Postings...),
		CreatedAt:  now,
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PrevHash = last.Hash
	}
	entry.Hash = entry.ComputeHash()

	if err := q.InsertJournalEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// VerifyJournalChain recomputes the org's journal chain and returns the first break, or nil.
func (e *Escrow) VerifyJournalChain(ctx context.Context, orgID string) (*model.ChainBreak, error) {
	ctx, span := tracer.Start(ctx, "VerifyJournalChain")
	defer span.End()

	var (
		after int64
		prev  *model.JournalEntry
	)
	for {
		page, err := e.datasource.GetJournalEntries(ctx, orgID, after, verifyPageSize)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if len(page) == 0 {
			return nil, nil
		}
		// The previous page's tail anchors links across page boundaries.
		if brk := model.VerifyJournalChainAfter(prev, page); brk != nil {
			return brk, nil
		}
		prev = page[len(page)-1]
		after = prev.Sequence
	}
}
