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

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/model"
	"github.com/sirupsen/logrus"
)

// Audit actions written by the engine.
const (
	ActionCredit            = "designatedAccount.credit"
	ActionDebit             = "designatedAccount.debit"
	ActionSettlement        = "designatedAccount.settlement"
	ActionViolation         = "designatedAccount.violation"
	ActionViolationResolved = "designatedAccount.violation_resolved"
	ActionReconciliation    = "designatedAccount.reconciliation"
	ActionAccountOpened     = "designatedAccount.opened"
	ActionStatusChanged     = "designatedAccount.status_changed"
)

// filingAction builds "filing.<kind>.<outcome>".
func filingAction(kind model.FilingKind, outcome string) string {
	return "filing." + kind.Slug() + "." + outcome
}

// appendAuditTx chains a new audit entry for orgID inside an open transaction.
func (e *Escrow) appendAuditTx(ctx context.Context, q database.Queries, orgID, actorID, action string, metadata map[string]interface{}) (*model.AuditLogEntry, error) {
	last, err := q.LastAuditEntry(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	entry := &model.AuditLogEntry{
		ID:        model.GenerateUUIDWithSuffix("aud"),
		OrgID:     orgID,
		Sequence:  1,
		ActorID:   actorID,
		Action:    action,
		Metadata:  metadata,
		CreatedAt: e.clock(),
	}
	if last != nil {
		entry.Sequence = last.Sequence + 1
		entry.PrevHash = last.Hash
	}
	hash, err := entry.ComputeHash()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "audit metadata is not serializable", err)
	}
	entry.Hash = hash

	if err := q.InsertAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// RecordAudit appends a standalone audit entry.
func (e *Escrow) RecordAudit(ctx context.Context, orgID, actorID, action string, metadata map[string]interface{}) (*model.AuditLogEntry, error) {
	ctx, span := tracer.Start(ctx, "RecordAudit")
	defer span.End()

	if orgID == "" || action == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "org id and action are required", nil)
	}

	var entry *model.AuditLogEntry
	err := e.inTx(ctx, "record_audit", func(q database.Queries) error {
		var err error
		entry, err = e.appendAuditTx(ctx, q, orgID, actorID, action, metadata)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.emitAudit(ctx, entry)
	return entry, nil
}

// VerifyAuditChain recomputes the org's audit chain and returns the first break, or nil.
func (e *Escrow) VerifyAuditChain(ctx context.Context, orgID string) (*model.ChainBreak, error) {
	ctx, span := tracer.Start(ctx, "VerifyAuditChain")
	defer span.End()

	var (
		after int64
		prev  *model.AuditLogEntry
	)
	for {
		page, err := e.datasource.GetAuditEntries(ctx, orgID, after, verifyPageSize)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if len(page) == 0 {
			return nil, nil
		}
		if brk := model.VerifyAuditChainAfter(prev, page); brk != nil {
			return brk, nil
		}
		prev = page[len(page)-1]
		after = prev.Sequence
	}
}

// emitAudit hands committed entries to the audit sink. Sink failures never fail the caller.
func (e *Escrow) emitAudit(ctx context.Context, entries ...*model.AuditLogEntry) {
	if e.auditSink == nil {
		return
	}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		if err := e.auditSink.Emit(ctx, entry); err != nil {
			logrus.WithFields(logrus.Fields{"org_id": entry.OrgID, "action": entry.Action}).Errorf("audit sink: %v", err)
		}
	}
}
