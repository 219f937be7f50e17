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
	"math"
	"testing"
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/database/memory"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFilingTask_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := model.FilingRequest{OrgID: f.orgID, Kind: model.FilingStatement, ReferenceID: "2024-Q3", WithholdingCents: 100, ConsumptionCents: 50}

	first, created, err := f.escrow.CreateFilingTask(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.FilingPending, first.Status)
	assert.Equal(t, 3, first.MaxAttempts)
	assert.Equal(t, int64(150), first.LiabilityCents())

	second, created, err := f.escrow.CreateFilingTask(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = f.escrow.CreateFilingTask(ctx, model.FilingRequest{OrgID: f.orgID, Kind: "VAT", ReferenceID: "x"})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidInput))
}

func TestCreateFilingTask_RejectsLiabilityOverflow(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.escrow.CreateFilingTask(context.Background(), model.FilingRequest{
		OrgID:            f.orgID,
		Kind:             model.FilingStatement,
		ReferenceID:      "2024-Q4",
		WithholdingCents: math.MaxInt64,
		ConsumptionCents: math.MaxInt64,
	})
	assert.True(t, apierror.Is(err, apierror.ErrInvalidAmount))

	_, err = f.store.GetFilingTaskByReference(context.Background(), f.orgID, model.FilingStatement, "2024-Q4")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestProcessFilingTask_OverflowingLiabilityStaysInDeficit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paygw := f.openAccount(t, model.LiabilityPAYGW, true)
	gst := f.openAccount(t, model.LiabilityGST, true)
	f.credit(t, paygw.ID, 1000)
	f.credit(t, gst.ID, 1000)

	now := time.Now().UTC()
	task := &model.FilingTask{
		ID:               model.GenerateUUIDWithSuffix("fil"),
		OrgID:            f.orgID,
		Kind:             model.FilingStatement,
		ReferenceID:      "2024-Q4",
		WithholdingCents: math.MaxInt64,
		ConsumptionCents: math.MaxInt64,
		Status:           model.FilingPending,
		MaxAttempts:      3,
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.store.InsertFilingTask(ctx, task))
	assert.Equal(t, int64(math.MaxInt64), task.LiabilityCents())

	held, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingEscrowDeficit, held.Status)
	assert.Equal(t, EscrowInsufficientCombined, held.LastError)
	assert.Equal(t, 0, f.regulator.callCount())
}

func TestProcessFilingTask_Accepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 1000)
	task := f.withholdingTask(t, 1000)

	filed, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, filed.Status)
	assert.Equal(t, "sub-"+task.ReferenceID, filed.SubmissionID)
	assert.Equal(t, 1, filed.Attempts)
	require.NotNil(t, filed.EscrowVerifiedAt)

	stored, err := f.escrow.GetFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, stored.Status)
	assert.Equal(t, []string{task.ID}, f.regulator.calls)
	assert.Equal(t, 1, f.metrics.filed[model.FilingWithholding])
	assert.Contains(t, auditActions(f.audit(t)), "filing.withholding.filed")
	assert.Empty(t, f.fallback.escalations())

	_, err = f.escrow.ProcessFilingTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrFilingNotClaimable)
	assert.Equal(t, 1, f.regulator.callCount())
}

func TestProcessFilingTask_EscrowDeficit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 800)
	task := f.withholdingTask(t, 1000)

	held, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingEscrowDeficit, held.Status)
	assert.Equal(t, EscrowInsufficientWithholding, held.LastError)
	assert.Equal(t, 0, held.Attempts)
	assert.Nil(t, held.EscrowVerifiedAt)
	assert.Equal(t, 0, f.regulator.callCount())
	assert.Equal(t, 1, f.metrics.blocked[EscrowInsufficientWithholding])

	f.credit(t, account.ID, 200)
	filed, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, filed.Status)
}

func TestProcessFilingTask_WithinTolerance(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 999)
	task := f.withholdingTask(t, 1000)

	filed, err := f.escrow.ProcessFilingTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, filed.Status)
}

func TestProcessFilingTask_StatementNeedsBothAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paygw := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, paygw.ID, 700)

	task, _, err := f.escrow.CreateFilingTask(ctx, model.FilingRequest{
		OrgID: f.orgID, Kind: model.FilingStatement, ReferenceID: "2024-Q3", WithholdingCents: 600, ConsumptionCents: 400,
	})
	require.NoError(t, err)

	held, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingEscrowDeficit, held.Status)
	assert.Equal(t, EscrowMissingAccount, held.LastError)

	gst := f.openAccount(t, model.LiabilityGST, true)
	_, err = f.escrow.CreditTransfer(ctx, model.CreditRequest{OrgID: f.orgID, AccountID: gst.ID, AmountCents: 200, Source: "GST_CAPTURE", DedupeID: "gst-1"})
	require.NoError(t, err)

	held, err = f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowInsufficientCombined, held.LastError)

	_, err = f.escrow.CreditTransfer(ctx, model.CreditRequest{OrgID: f.orgID, AccountID: gst.ID, AmountCents: 100, Source: "GST_CAPTURE", DedupeID: "gst-2"})
	require.NoError(t, err)

	filed, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, filed.Status)
	assert.Equal(t, "rcpt-2024-Q3", filed.SubmissionID)
	assert.Equal(t, 1, f.metrics.filed[model.FilingStatement])
}

func TestProcessFilingTask_OpenViolationBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 5000)
	task := f.withholdingTask(t, 1000)

	_, err := f.escrow.DebitTransfer(ctx, model.DebitRequest{OrgID: f.orgID, AccountID: account.ID, AmountCents: 1, Source: "manual"})
	require.Error(t, err)

	for i := 0; i < 2; i++ {
		held, err := f.escrow.ProcessFilingTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.FilingEscrowBlocked, held.Status)
		assert.Equal(t, EscrowViolationOpen, held.LastError)
	}
	assert.Equal(t, 0, f.regulator.callCount())
	assert.Contains(t, auditActions(f.audit(t)), "filing.withholding.escrow_blocked")

	_, err = f.escrow.ResolveViolations(ctx, f.orgID, "officer", "")
	require.NoError(t, err)
	filed, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, filed.Status)
}

func TestProcessFilingTask_RetryCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 1000)
	task := f.withholdingTask(t, 1000)
	f.regulator.steps = []regulatorStep{{err: errNetwork}}

	var statuses []model.FilingStatus
	for i := 0; i < 3; i++ {
		updated, err := f.escrow.ProcessFilingTask(ctx, task.ID)
		require.NoError(t, err)
		statuses = append(statuses, updated.Status)
		assert.Equal(t, i+1, updated.Attempts)
	}
	assert.Equal(t, []model.FilingStatus{model.FilingRetry, model.FilingRetry, model.FilingFailed}, statuses)

	escalations := f.fallback.escalations()
	require.Len(t, escalations, 1)
	assert.Equal(t, task.ID, escalations[0].filingID)
	assert.Equal(t, model.FilingFailed, escalations[0].status)
	assert.Equal(t, errNetwork.Error(), escalations[0].reason)

	_, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrFilingNotClaimable)
	assert.Len(t, f.fallback.escalations(), 1)
	assert.Equal(t, 3, f.regulator.callCount())
}

func TestProcessFilingTask_RetrySchedulesBackoff(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 1000)
	task := f.withholdingTask(t, 1000)
	f.regulator.steps = []regulatorStep{{status: model.RegulatorRejected, message: "abn mismatch"}}

	updated, err := f.escrow.ProcessFilingTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingRetry, updated.Status)
	assert.Equal(t, "rejected by regulator: abn mismatch", updated.LastError)
	assert.Equal(t, now.Add(time.Second), updated.NextAttemptAt)

	ready, err := f.store.ReadyFilingTasks(context.Background(), model.FilingWithholding, now, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestProcessFilingTask_SubmitTimeout(t *testing.T) {
	f := newFixture(t)
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 1000)
	task := f.withholdingTask(t, 1000)
	f.escrow.settings.SubmitTimeout = 20 * time.Millisecond
	f.regulator.steps = []regulatorStep{{status: model.RegulatorAccepted, delay: time.Second}}

	updated, err := f.escrow.ProcessFilingTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingRetry, updated.Status)
	assert.Contains(t, updated.LastError, context.DeadlineExceeded.Error())
}

func TestProcessFilingTask_ManualReviewIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.openAccount(t, model.LiabilityPAYGW, true)
	f.credit(t, account.ID, 1000)
	task := f.withholdingTask(t, 1000)
	f.regulator.steps = []regulatorStep{{status: model.RegulatorNeedsManualReview, message: "employee count mismatch"}, {status: model.RegulatorAccepted}}

	review, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingManualReview, review.Status)
	assert.True(t, review.Status.IsTerminal())

	escalations := f.fallback.escalations()
	require.Len(t, escalations, 1)
	assert.Equal(t, "employee count mismatch", escalations[0].reason)

	_, err = f.escrow.ProcessFilingTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrFilingNotClaimable)

	requeued, err := f.escrow.RetryFilingTask(ctx, task.ID, "officer")
	require.NoError(t, err)
	assert.Equal(t, model.FilingPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)
	assert.Contains(t, auditActions(f.audit(t)), "filing.withholding.requeued")

	filed, err := f.escrow.ProcessFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingFiled, filed.Status)

	_, err = f.escrow.RetryFilingTask(ctx, task.ID, "officer")
	assert.True(t, apierror.Is(err, apierror.ErrConflict))
}

func TestReleaseStaleClaims(t *testing.T) {
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	task := f.withholdingTask(t, 1000)

	claimed, err := f.store.ClaimFilingTask(ctx, task.ID, model.FilingPending, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	released, err := f.escrow.ReleaseStaleClaims(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	stored, err := f.escrow.GetFilingTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingRetry, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.ClaimedAt)

	released, err = f.escrow.ReleaseStaleClaims(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, released)
}

func TestProcessFilingTask_RequiresRegulator(t *testing.T) {
	f := newFixture(t, WithRegulator(nil))
	task := f.withholdingTask(t, 10)

	_, err := f.escrow.ProcessFilingTask(context.Background(), task.ID)
	assert.True(t, apierror.Is(err, apierror.ErrInternalServer))
}

func TestGetFilingTask_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.escrow.GetFilingTask(context.Background(), "fil_missing")
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
}

func TestSettings_RetryDelay(t *testing.T) {
	s := Settings{BackoffBase: 30 * time.Second, BackoffCap: 5 * time.Minute}
	assert.Equal(t, 30*time.Second, s.retryDelay(1))
	assert.Equal(t, time.Minute, s.retryDelay(2))
	assert.Equal(t, 2*time.Minute, s.retryDelay(3))
	assert.Equal(t, 4*time.Minute, s.retryDelay(4))
	assert.Equal(t, 5*time.Minute, s.retryDelay(5))
	assert.Equal(t, 5*time.Minute, s.retryDelay(60))
}

type txCountingStore struct {
	*memory.Store
	runs int
}

func (s *txCountingStore) RunInTx(ctx context.Context, fn func(q database.Queries) error) error {
	s.runs++
	return s.Store.RunInTx(ctx, fn)
}

func TestTransition_StaleStatusIsNotRetried(t *testing.T) {
	f := newFixture(t)
	task := f.withholdingTask(t, 1000)

	store := &txCountingStore{Store: f.store}
	e := NewEscrow(store, WithSettings(testSettings()))

	task.Status = model.FilingFiled
	err := e.transition(context.Background(), task, model.FilingSubmitting, "filed", nil)
	assert.ErrorIs(t, err, database.ErrStaleStatus)
	assert.Equal(t, 1, store.runs)

	stored, err := f.escrow.GetFilingTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FilingPending, stored.Status)
}
