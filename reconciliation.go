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
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	redlock "github.com/apgms/escrow/internal/lock"
	"github.com/apgms/escrow/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reconcile snapshots the org's designated accounts into a sealed evidence artifact, closes
// every PENDING reconciliation record against the live balances and audits the run.
//
// Each run produces a new artifact reflecting current state; history is never rewritten.
func (e *Escrow) Reconcile(ctx context.Context, orgID, actorID string) (*model.ReconciliationResult, error) {
	ctx, span := tracer.Start(ctx, "Reconcile", trace.WithAttributes(attribute.String("org.id", orgID)))
	defer span.End()

	if orgID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "org id is required", nil)
	}

	var (
		result   *model.ReconciliationResult
		artifact *model.EvidenceArtifact
		entry    *model.AuditLogEntry
	)
	err := e.inTx(ctx, "reconcile", func(q database.Queries) error {
		now := e.clock()

		accounts, err := q.ListDesignatedAccounts(ctx, orgID)
		if err != nil {
			return err
		}
		summary, err := e.summarize(ctx, q, accounts, now)
		if err != nil {
			return err
		}

		artifact, err = e.createArtifactTx(ctx, q, orgID, summary, now)
		if err != nil {
			return err
		}

		result = &model.ReconciliationResult{
			Summary:    *summary,
			ArtifactID: artifact.ID,
			SHA256:     artifact.SHA256,
		}
		result.Reconciled, result.Escalated, err = e.closePendingRecords(ctx, q, orgID, accounts, now)
		if err != nil {
			return err
		}

		entry, err = e.appendAuditTx(ctx, q, orgID, actorOrSystem(actorID), ActionReconciliation, map[string]interface{}{
			"artifactId": artifact.ID,
			"sha256":     artifact.SHA256,
			"totals":     summary.Totals,
			"reconciled": result.Reconciled,
			"escalated":  result.Escalated,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if e.archive != nil {
		e.archiveArtifact(ctx, artifact)
	}
	e.emitAudit(ctx, entry)
	if result.Escalated > 0 {
		e.metrics.DiscrepancyEscalated(ctx, orgID, result.Escalated)
		logrus.WithFields(logrus.Fields{"org_id": orgID, "escalated": result.Escalated}).Warn("reconciliation discrepancies escalated")
	}
	return result, nil
}

// summarize builds the movements of the last window and the balance totals per liability type.
func (e *Escrow) summarize(ctx context.Context, q database.Queries, accounts []*model.DesignatedAccount, now time.Time) (*model.ReconciliationSummary, error) {
	summary := &model.ReconciliationSummary{
		GeneratedAt:      now,
		Totals:           map[string]int64{},
		MovementsLast24h: []model.AccountMovement{},
	}
	since := now.Add(-e.settings.ReconcileWindow)
	for _, account := range accounts {
		transfers, err := q.ListTransfersSince(ctx, account.ID, since)
		if err != nil {
			return nil, err
		}
		movement := model.AccountMovement{
			AccountID:        account.ID,
			Type:             account.LiabilityType,
			Balance:          account.BalanceCents,
			TransferCount24h: len(transfers),
		}
		for _, t := range transfers {
			movement.Inflow24h += t.AmountCents
		}
		summary.MovementsLast24h = append(summary.MovementsLast24h, movement)
		summary.Totals[string(account.LiabilityType)] += account.BalanceCents
	}
	sort.Slice(summary.MovementsLast24h, func(i, j int) bool {
		return summary.MovementsLast24h[i].AccountID < summary.MovementsLast24h[j].AccountID
	})
	return summary, nil
}

// closePendingRecords compares every PENDING record against the live balance of its account.
func (e *Escrow) closePendingRecords(ctx context.Context, q database.Queries, orgID string, accounts []*model.DesignatedAccount, now time.Time) (reconciled, escalated int, err error) {
	balances := make(map[string]int64, len(accounts))
	for _, account := range accounts {
		balances[account.ID] = account.BalanceCents
	}

	pending, err := q.ListPendingReconciliationRecords(ctx, orgID)
	if err != nil {
		return 0, 0, err
	}
	for _, record := range pending {
		observed, ok := balances[record.AccountID]
		if !ok {
			logrus.WithFields(logrus.Fields{"org_id": orgID, "record_id": record.ID}).Warn("reconciliation record references an unknown account")
			continue
		}
		record.ObservedBalance = observed
		record.ReconciledAt = ptr.Time(now)
		discrepancy, diffErr := model.SubCents(observed, record.RecordedBalance)
		if diffErr != nil {
			discrepancy = math.MinInt64
			if observed > record.RecordedBalance {
				discrepancy = math.MaxInt64
			}
		}
		record.Discrepancy = discrepancy
		if outsideTolerance(record.Discrepancy, e.settings.ReconcileToleranceCents) {
			record.Status = model.ReconciliationEscalated
			escalated++
		} else {
			record.Status = model.ReconciliationReconciled
			reconciled++
		}
		if err := q.UpdateReconciliationRecord(ctx, record); err != nil {
			return 0, 0, err
		}
	}
	return reconciled, escalated, nil
}

// RecordExpectation registers an externally observed balance to be checked by the next run.
// A repeated dedupe id returns the record stored by the first delivery.
func (e *Escrow) RecordExpectation(ctx context.Context, input model.ExpectationInput) (*model.ReconciliationRecord, error) {
	ctx, span := tracer.Start(ctx, "RecordExpectation")
	defer span.End()

	if err := validation.ValidateStruct(&input,
		validation.Field(&input.OrgID, validation.Required),
		validation.Field(&input.AccountID, validation.Required),
	); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	if _, err := loadOwnedAccount(ctx, e.datasource, input.OrgID, input.AccountID); err != nil {
		return nil, err
	}

	record := &model.ReconciliationRecord{
		ID:              model.GenerateUUIDWithSuffix("rec"),
		OrgID:           input.OrgID,
		AccountID:       input.AccountID,
		TransferID:      input.TransferID,
		DedupeID:        input.DedupeID,
		ExpectedCredit:  input.ExpectedCredit,
		RecordedBalance: input.RecordedBalance,
		Status:          model.ReconciliationPending,
		CreatedAt:       e.clock(),
	}
	err := e.datasource.InsertReconciliationRecord(ctx, record)
	if errors.Is(err, database.ErrDuplicate) {
		return e.datasource.GetReconciliationRecordByDedupe(ctx, input.OrgID, input.DedupeID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return record, nil
}

// ReconcileAll runs Reconcile for every org that holds designated accounts. With redis
// configured each org run is guarded by a lock so concurrent schedulers skip busy orgs.
func (e *Escrow) ReconcileAll(ctx context.Context) ([]*model.ReconciliationResult, error) {
	ctx, span := tracer.Start(ctx, "ReconcileAll")
	defer span.End()

	orgs, err := e.datasource.ListDesignatedOrgs(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	results := make([]*model.ReconciliationResult, 0, len(orgs))
	var errs []error
	for _, orgID := range orgs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		var result *model.ReconciliationResult
		run := func(ctx context.Context) error {
			var err error
			result, err = e.Reconcile(ctx, orgID, systemActor)
			return err
		}

		if e.redis != nil {
			locker := redlock.NewLocker(e.redis, redlock.ReconcileKey(orgID), model.GenerateUUIDWithSuffix("rcl"))
			err = locker.WithLock(ctx, e.settings.ReconcileLockTTL, run)
		} else {
			err = run(ctx)
		}

		switch {
		case errors.Is(err, redlock.ErrLockHeld):
			logrus.WithField("org_id", orgID).Info("reconciliation already running, skipping")
		case err != nil:
			logrus.WithField("org_id", orgID).Errorf("reconciliation failed: %v", err)
			errs = append(errs, fmt.Errorf("org %s: %w", orgID, err))
		case result != nil:
			results = append(results, result)
		}
	}
	return results, errors.Join(errs...)
}

func marshalSummary(summary *model.ReconciliationSummary) ([]byte, error) {
	return json.Marshal(summary)
}

// outsideTolerance reports |d| > tol without negating d, which would overflow at math.MinInt64.
func outsideTolerance(d, tol int64) bool {
	return d > tol || d < -tol
}
