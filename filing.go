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
	"math"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"github.com/wacul/ptr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const filingActor = "filing-queue"

// Escrow check outcomes reported on blocked tasks and the escrow_blocked counter.
const (
	EscrowViolationOpen           = "violation_open"
	EscrowInsufficientWithholding = "insufficient_withholding"
	EscrowInsufficientCombined    = "insufficient_combined"
	EscrowMissingAccount          = "missing_designated_account"

	reasonClaimExpired = "claim_expired"
)

// ErrFilingNotClaimable is returned when a task is terminal or already claimed by a worker.
var ErrFilingNotClaimable = errors.New("filing task is not claimable")

// submission is the regulator outcome of one attempt, common to both filing kinds.
type submission struct {
	status       model.RegulatorStatus
	submissionID string
	message      string
}

// CreateFilingTask queues a filing. A second request for the same org, kind and reference
// returns the existing task with created=false.
func (e *Escrow) CreateFilingTask(ctx context.Context, req model.FilingRequest) (*model.FilingTask, bool, error) {
	ctx, span := tracer.Start(ctx, "CreateFilingTask")
	defer span.End()

	if err := validation.ValidateStruct(&req,
		validation.Field(&req.OrgID, validation.Required),
		validation.Field(&req.Kind, validation.Required, validation.In(model.FilingWithholding, model.FilingStatement)),
		validation.Field(&req.ReferenceID, validation.Required),
		validation.Field(&req.WithholdingCents, validation.Min(int64(0))),
		validation.Field(&req.ConsumptionCents, validation.Min(int64(0))),
	); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	now := e.clock()
	task := &model.FilingTask{
		ID:               model.GenerateUUIDWithSuffix("fil"),
		OrgID:            req.OrgID,
		Kind:             req.Kind,
		ReferenceID:      req.ReferenceID,
		WithholdingCents: req.WithholdingCents,
		ConsumptionCents: req.ConsumptionCents,
		Payload:          req.Payload,
		Status:           model.FilingPending,
		MaxAttempts:      e.settings.maxAttempts(req.Kind),
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if task.Kind == model.FilingWithholding {
		task.ConsumptionCents = 0
	}
	if _, err := task.Liability(); err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrInvalidAmount,
			"withholdingCents plus consumptionCents overflows the cents range", nil)
	}

	var entry *model.AuditLogEntry
	err := e.inTx(ctx, "create_filing_task", func(q database.Queries) error {
		if err := q.InsertFilingTask(ctx, task); err != nil {
			return err
		}
		var err error
		entry, err = e.appendAuditTx(ctx, q, task.OrgID, actorOrSystem(req.ActorID), filingAction(task.Kind, "created"), map[string]interface{}{
			"filingId":       task.ID,
			"referenceId":    task.ReferenceID,
			"liabilityCents": task.LiabilityCents(),
		})
		return err
	})
	if errors.Is(err, database.ErrDuplicate) {
		existing, err := e.datasource.GetFilingTaskByReference(ctx, req.OrgID, req.Kind, req.ReferenceID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	e.emitAudit(ctx, entry)
	return task, true, nil
}

// GetFilingTask returns a task by id.
func (e *Escrow) GetFilingTask(ctx context.Context, id string) (*model.FilingTask, error) {
	task, err := e.datasource.GetFilingTask(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("filing task %s not found", id), nil)
	}
	return task, err
}

// ProcessFilingTask claims the task, runs the escrow check and, only when it passes, submits
// the filing to the regulator and records the outcome. The regulator call runs under its own
// timeout and is not cancelled by ctx, so a shutdown never aborts a submission mid-flight.
func (e *Escrow) ProcessFilingTask(ctx context.Context, taskID string) (*model.FilingTask, error) {
	ctx, span := tracer.Start(ctx, "ProcessFilingTask", trace.WithAttributes(attribute.String("filing.id", taskID)))
	defer span.End()

	if e.regulator == nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "no regulator client configured", nil)
	}

	task, err := e.GetFilingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsClaimable() {
		return task, fmt.Errorf("%w: %s is %s", ErrFilingNotClaimable, task.ID, task.Status)
	}

	from := task.Status
	now := e.clock()
	claimed, err := e.datasource.ClaimFilingTask(ctx, task.ID, from, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !claimed {
		return task, fmt.Errorf("%w: %s was claimed by another worker", ErrFilingNotClaimable, task.ID)
	}
	task.Status = model.FilingSubmitting
	task.ClaimedAt = ptr.Time(now)
	task.UpdatedAt = now

	// Outcomes are persisted even when the caller is shutting down.
	persistCtx := context.WithoutCancel(ctx)

	reason, err := e.checkEscrow(ctx, task)
	if err != nil {
		e.releaseClaim(persistCtx, task, from)
		span.RecordError(err)
		return nil, err
	}
	if reason != "" {
		return e.blockFiling(persistCtx, task, reason)
	}

	verifiedAt := e.clock()
	task.EscrowVerifiedAt = &verifiedAt
	task.UpdatedAt = verifiedAt
	if err := e.datasource.UpdateFilingTask(persistCtx, task, model.FilingSubmitting); err != nil {
		span.RecordError(err)
		return nil, err
	}

	result, submitErr := e.submit(ctx, task)
	return e.recordOutcome(persistCtx, task, result, submitErr)
}

func (e *Escrow) submit(ctx context.Context, task *model.FilingTask) (*submission, error) {
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settings.SubmitTimeout)
	defer cancel()

	switch task.Kind {
	case model.FilingWithholding:
		receipt, err := e.regulator.SubmitWithholdingFiling(subCtx, task.ID, task.ReferenceID, task.Payload)
		if err != nil {
			return nil, err
		}
		return &submission{status: receipt.Status, submissionID: receipt.SubmissionID, message: receipt.Message}, nil
	case model.FilingStatement:
		receipt, err := e.regulator.SubmitStatementFiling(subCtx, task.ID, task.ReferenceID, task.Payload)
		if err != nil {
			return nil, err
		}
		return &submission{status: receipt.Status, submissionID: receipt.ReceiptReference, message: receipt.Message}, nil
	default:
		return nil, fmt.Errorf("unknown filing kind %q", task.Kind)
	}
}

// recordOutcome classifies one submission attempt and persists the transition.
func (e *Escrow) recordOutcome(ctx context.Context, task *model.FilingTask, result *submission, submitErr error) (*model.FilingTask, error) {
	now := e.clock()
	task.Attempts++
	task.LastAttemptAt = ptr.Time(now)
	task.ClaimedAt = nil
	task.UpdatedAt = now

	switch {
	case submitErr != nil:
		return e.failAttempt(ctx, task, submitErr.Error())

	case result.status == model.RegulatorAccepted:
		task.Status = model.FilingFiled
		task.SubmissionID = result.submissionID
		task.LastError = ""
		if err := e.transition(ctx, task, model.FilingSubmitting, "filed", map[string]interface{}{
			"submissionId": result.submissionID,
		}); err != nil {
			return nil, err
		}
		e.metrics.FilingFiled(ctx, task.Kind)
		logrus.WithFields(logrus.Fields{"org_id": task.OrgID, "filing_id": task.ID, "submission_id": task.SubmissionID}).Info("filing accepted")
		return task, nil

	case result.status == model.RegulatorNeedsManualReview:
		reason := result.message
		if reason == "" {
			reason = "regulator requested manual review"
		}
		task.Status = model.FilingManualReview
		task.SubmissionID = result.submissionID
		task.LastError = reason
		if err := e.transition(ctx, task, model.FilingSubmitting, "manual_review", map[string]interface{}{
			"submissionId": result.submissionID,
			"reason":       reason,
		}); err != nil {
			return nil, err
		}
		e.escalate(ctx, task, reason)
		return task, nil

	case result.status == model.RegulatorRejected:
		msg := "rejected by regulator"
		if result.message != "" {
			msg += ": " + result.message
		}
		return e.failAttempt(ctx, task, msg)

	default:
		return e.failAttempt(ctx, task, fmt.Sprintf("unexpected regulator status %q", result.status))
	}
}

// failAttempt schedules a retry, or fails the task and escalates once attempts run out.
// task.Attempts already counts the failed attempt.
func (e *Escrow) failAttempt(ctx context.Context, task *model.FilingTask, reason string) (*model.FilingTask, error) {
	task.LastError = reason
	meta := map[string]interface{}{
		"attempts": task.Attempts,
		"reason":   reason,
	}

	if task.Attempts >= task.MaxAttempts {
		task.Status = model.FilingFailed
		if err := e.transition(ctx, task, model.FilingSubmitting, "failed", meta); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{"org_id": task.OrgID, "filing_id": task.ID, "attempts": task.Attempts}).Errorf("filing failed: %s", reason)
		e.escalate(ctx, task, reason)
		return task, nil
	}

	task.Status = model.FilingRetry
	task.NextAttemptAt = e.clock().Add(e.settings.retryDelay(task.Attempts))
	meta["nextAttemptAt"] = task.NextAttemptAt.Format(time.RFC3339Nano)
	if err := e.transition(ctx, task, model.FilingSubmitting, "retry", meta); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"org_id": task.OrgID, "filing_id": task.ID, "attempts": task.Attempts}).Warnf("filing attempt failed, retrying: %s", reason)
	return task, nil
}

// blockFiling parks a claimed task until the escrow is rechecked. Attempts are unchanged.
func (e *Escrow) blockFiling(ctx context.Context, task *model.FilingTask, reason string) (*model.FilingTask, error) {
	now := e.clock()
	task.Status = model.FilingEscrowDeficit
	if reason == EscrowViolationOpen {
		task.Status = model.FilingEscrowBlocked
	}
	task.LastError = reason
	task.ClaimedAt = nil
	task.NextAttemptAt = now.Add(e.settings.EscrowRecheck)
	task.UpdatedAt = now

	outcome := "escrow_deficit"
	if task.Status == model.FilingEscrowBlocked {
		outcome = "escrow_blocked"
	}
	if err := e.transition(ctx, task, model.FilingSubmitting, outcome, map[string]interface{}{
		"reason":         reason,
		"liabilityCents": task.LiabilityCents(),
	}); err != nil {
		return nil, err
	}
	e.metrics.EscrowBlocked(ctx, task.Kind, reason)
	logrus.WithFields(logrus.Fields{"org_id": task.OrgID, "filing_id": task.ID, "reason": reason}).Info("filing held by escrow check")
	return task, nil
}

// checkEscrow returns "" when the org's designated balances cover the filing's liability,
// otherwise the reason it does not.
func (e *Escrow) checkEscrow(ctx context.Context, task *model.FilingTask) (string, error) {
	open, err := e.datasource.CountOpenViolationFlags(ctx, task.OrgID)
	if err != nil {
		return "", err
	}
	if open > 0 {
		return EscrowViolationOpen, nil
	}

	types := []model.LiabilityType{model.LiabilityPAYGW}
	shortReason := EscrowInsufficientWithholding
	if task.Kind == model.FilingStatement {
		types = append(types, model.LiabilityGST)
		shortReason = EscrowInsufficientCombined
	}

	liability, err := task.Liability()
	if err != nil {
		return shortReason, nil
	}

	var available int64
	for _, t := range types {
		account, err := e.datasource.GetDesignatedAccountByType(ctx, task.OrgID, t)
		if errors.Is(err, database.ErrNotFound) {
			return EscrowMissingAccount, nil
		}
		if err != nil {
			return "", err
		}
		sum, err := model.AddCents(available, account.BalanceCents)
		if err != nil {
			// Only a positive overflow can reach here: balances never go negative.
			sum = math.MaxInt64
		}
		available = sum
	}

	if liability > available && liability-available > e.settings.EscrowToleranceCents {
		return shortReason, nil
	}
	return "", nil
}

// RetryFilingTask requeues a FAILED or MANUAL_REVIEW task with a fresh attempt budget.
func (e *Escrow) RetryFilingTask(ctx context.Context, taskID, actorID string) (*model.FilingTask, error) {
	ctx, span := tracer.Start(ctx, "RetryFilingTask")
	defer span.End()

	task, err := e.GetFilingTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.FilingFailed && task.Status != model.FilingManualReview {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("filing task %s is %s; only FAILED or MANUAL_REVIEW tasks can be requeued", task.ID, task.Status), nil)
	}

	from := task.Status
	now := e.clock()
	task.Status = model.FilingPending
	task.Attempts = 0
	task.NextAttemptAt = now
	task.ClaimedAt = nil
	task.EscrowVerifiedAt = nil
	task.LastError = ""
	task.UpdatedAt = now

	var entry *model.AuditLogEntry
	err = e.inTx(ctx, "requeue_filing_task", func(q database.Queries) error {
		if err := q.UpdateFilingTask(ctx, task, from); err != nil {
			return err
		}
		var err error
		entry, err = e.appendAuditTx(ctx, q, task.OrgID, actorOrSystem(actorID), filingAction(task.Kind, "requeued"), map[string]interface{}{
			"filingId": task.ID,
			"from":     string(from),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.emitAudit(ctx, entry)
	return task, nil
}

// ReleaseStaleClaims returns tasks left SUBMITTING past the claim timeout to the retry path.
// The abandoned attempt counts against the budget; the regulator deduplicates on the task id.
func (e *Escrow) ReleaseStaleClaims(ctx context.Context, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "ReleaseStaleClaims")
	defer span.End()

	cutoff := e.clock().Add(-e.settings.ClaimTimeout)
	stale, err := e.datasource.StaleClaimedFilingTasks(ctx, cutoff, limit)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	released := 0
	for _, task := range stale {
		now := e.clock()
		task.Attempts++
		task.LastAttemptAt = ptr.Time(now)
		task.ClaimedAt = nil
		task.UpdatedAt = now
		_, err := e.failAttempt(ctx, task, reasonClaimExpired)
		if errors.Is(err, database.ErrStaleStatus) {
			continue
		}
		if err != nil {
			logrus.WithField("filing_id", task.ID).Errorf("releasing stale claim: %v", err)
			continue
		}
		released++
	}
	return released, nil
}

// transition persists the task and its audit entry in one transaction. A task that moved
// away from expected is reported as database.ErrStaleStatus and left untouched.
func (e *Escrow) transition(ctx context.Context, task *model.FilingTask, expected model.FilingStatus, outcome string, metadata map[string]interface{}) error {
	meta := map[string]interface{}{
		"filingId": task.ID,
		"status":   string(task.Status),
	}
	for k, v := range metadata {
		meta[k] = v
	}

	var entry *model.AuditLogEntry
	err := e.inTx(ctx, "filing_transition", func(q database.Queries) error {
		if err := q.UpdateFilingTask(ctx, task, expected); err != nil {
			return err
		}
		var err error
		entry, err = e.appendAuditTx(ctx, q, task.OrgID, filingActor, filingAction(task.Kind, outcome), meta)
		return err
	})
	if err != nil {
		return err
	}
	e.emitAudit(ctx, entry)
	return nil
}

// releaseClaim hands a claimed task back untouched after an infrastructure error.
func (e *Escrow) releaseClaim(ctx context.Context, task *model.FilingTask, to model.FilingStatus) {
	task.Status = to
	task.ClaimedAt = nil
	task.UpdatedAt = e.clock()
	if err := e.datasource.UpdateFilingTask(ctx, task, model.FilingSubmitting); err != nil {
		logrus.WithField("filing_id", task.ID).Errorf("releasing filing claim: %v", err)
	}
}

// escalate hands the task to the manual fallback. Failures are logged; the task has already
// reached its terminal state.
func (e *Escrow) escalate(ctx context.Context, task *model.FilingTask, reason string) {
	if e.fallback == nil {
		return
	}
	if err := e.fallback.Escalate(ctx, task, reason); err != nil {
		logrus.WithFields(logrus.Fields{"org_id": task.OrgID, "filing_id": task.ID}).Errorf("manual fallback failed: %v", err)
	}
}

// retryDelay is base * 2^(attempts-1), capped.
func (s Settings) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.BackoffCap || delay <= 0 {
			return s.BackoffCap
		}
	}
	if delay > s.BackoffCap {
		return s.BackoffCap
	}
	return delay
}
