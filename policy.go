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

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/model"
	"github.com/sirupsen/logrus"
)

// creditSources is the allow-list of funding sources a designated account may be credited from.
var creditSources = map[model.FundingSource]bool{
	model.SourcePayrollCapture: true,
	model.SourceGSTCapture:     true,
	model.SourceBASEscrow:      true,
}

// EvaluateCreditSource normalizes raw and checks it against the allow-list.
func EvaluateCreditSource(raw string) (model.FundingSource, error) {
	source := model.NormalizeSource(raw)
	if !creditSources[source] {
		return source, apierror.NewViolation(apierror.ErrPolicyViolation, apierror.ReasonUntrustedSource,
			fmt.Sprintf("source %q is not an approved funding source for designated accounts", raw))
	}
	return source, nil
}

// recordViolation raises the withdrawal-attempt alert, opens a violation flag, moves the
// account under investigation and audits the attempt, all in one transaction. The alert is
// deduplicated inside that transaction so concurrent violations leave one open alert.
func (e *Escrow) recordViolation(ctx context.Context, orgID, accountID, actorID string, violation apierror.APIError, metadata map[string]interface{}) error {
	ctx, span := tracer.Start(ctx, "RecordViolation")
	defer span.End()

	var entry *model.AuditLogEntry
	err := e.inTx(ctx, "record_violation", func(q database.Queries) error {
		now := e.clock()

		created, err := q.InsertAlertIfNoneOpen(ctx, &model.Alert{
			ID:        model.GenerateUUIDWithSuffix("alr"),
			OrgID:     orgID,
			Kind:      model.AlertDesignatedWithdrawalAttempt,
			Severity:  model.SeverityHigh,
			Message:   violation.Message,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		if err := q.InsertViolationFlag(ctx, &model.ViolationFlag{
			ID:        model.GenerateUUIDWithSuffix("vfl"),
			OrgID:     orgID,
			AccountID: accountID,
			Code:      violation.Reason,
			Reason:    violation.Message,
			Status:    model.FlagOpen,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		statusChanged := false
		if accountID != "" {
			account, err := q.GetDesignatedAccount(ctx, accountID)
			switch {
			case errors.Is(err, database.ErrNotFound):
			case err != nil:
				return err
			case account.OrgID == orgID && account.Status == model.AccountActive:
				account.Status = model.AccountInvestigating
				account.UpdatedAt = now
				if err := q.UpdateDesignatedAccount(ctx, account); err != nil {
					return err
				}
				statusChanged = true
			}
		}

		meta := map[string]interface{}{
			"code":          violation.Reason,
			"error":         string(violation.Code),
			"message":       violation.Message,
			"alertCreated":  created,
			"accountStatus": statusChanged,
		}
		if accountID != "" {
			meta["accountId"] = accountID
		}
		for k, v := range metadata {
			meta[k] = v
		}
		entry, err = e.appendAuditTx(ctx, q, orgID, actorID, ActionViolation, meta)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"org_id":     orgID,
		"account_id": accountID,
		"code":       violation.Reason,
	}).Warn("designated account policy violation recorded")
	e.emitAudit(ctx, entry)
	return nil
}

// ResolveViolations closes the org's open violation flags and withdrawal alert and returns
// accounts under investigation to ACTIVE. It reports the number of flags resolved.
func (e *Escrow) ResolveViolations(ctx context.Context, orgID, actorID, note string) (int64, error) {
	ctx, span := tracer.Start(ctx, "ResolveViolations")
	defer span.End()

	if orgID == "" {
		return 0, apierror.NewAPIError(apierror.ErrInvalidInput, "org id is required", nil)
	}

	var (
		resolved int64
		entry    *model.AuditLogEntry
	)
	err := e.inTx(ctx, "resolve_violations", func(q database.Queries) error {
		now := e.clock()
		var err error
		resolved, err = q.ResolveViolationFlags(ctx, orgID, now)
		if err != nil {
			return err
		}
		alerts, err := q.ResolveAlerts(ctx, orgID, model.AlertDesignatedWithdrawalAttempt, now)
		if err != nil {
			return err
		}

		accounts, err := q.ListDesignatedAccounts(ctx, orgID)
		if err != nil {
			return err
		}
		reactivated := []string{}
		for _, account := range accounts {
			if account.Status != model.AccountInvestigating {
				continue
			}
			account.Status = model.AccountActive
			account.UpdatedAt = now
			if err := q.UpdateDesignatedAccount(ctx, account); err != nil {
				return err
			}
			reactivated = append(reactivated, account.ID)
		}

		entry, err = e.appendAuditTx(ctx, q, orgID, actorID, ActionViolationResolved, map[string]interface{}{
			"flagsResolved":  resolved,
			"alertsResolved": alerts,
			"reactivated":    reactivated,
			"note":           note,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	e.emitAudit(ctx, entry)
	return resolved, nil
}
