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
)

const systemActor = "system"

// movement is one balance change applied by moveFundsTx. AmountCents is signed.
type movement struct {
	AmountCents int64
	Source      model.FundingSource
	DedupeID    string
	FilingID    string
	EventID     string
	OccurredAt  time.Time
	ActorID     string
	Action      string
	JournalType string
	Metadata    map[string]interface{}
}

// OpenDesignatedAccount creates the org's ACTIVE account for liabilityType. Opening the same
// type twice returns the existing account.
func (e *Escrow) OpenDesignatedAccount(ctx context.Context, orgID string, liabilityType model.LiabilityType, depositOnly bool, actorID string) (*model.DesignatedAccount, error) {
	ctx, span := tracer.Start(ctx, "OpenDesignatedAccount")
	defer span.End()

	if orgID == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "org id is required", nil)
	}
	if !liabilityType.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown liability type %q", liabilityType), nil)
	}

	now := e.clock()
	account := &model.DesignatedAccount{
		ID:            model.GenerateUUIDWithSuffix("dsg"),
		OrgID:         orgID,
		LiabilityType: liabilityType,
		DepositOnly:   depositOnly,
		Status:        model.AccountActive,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var entry *model.AuditLogEntry
	err := e.inTx(ctx, "open_designated_account", func(q database.Queries) error {
		if err := q.CreateDesignatedAccount(ctx, account); err != nil {
			return err
		}
		var err error
		entry, err = e.appendAuditTx(ctx, q, orgID, actorOrSystem(actorID), ActionAccountOpened, map[string]interface{}{
			"accountId":     account.ID,
			"liabilityType": string(liabilityType),
			"depositOnly":   depositOnly,
		})
		return err
	})
	if errors.Is(err, database.ErrDuplicate) {
		return e.datasource.GetDesignatedAccountByType(ctx, orgID, liabilityType)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.emitAudit(ctx, entry)
	return account, nil
}

// CreditTransfer credits an allow-listed source into a designated account. A rejected source
// is recorded as a violation before the policy error is returned. Repeating a dedupe id
// returns the original result.
func (e *Escrow) CreditTransfer(ctx context.Context, req model.CreditRequest) (*model.TransferResult, error) {
	ctx, span := tracer.Start(ctx, "CreditTransfer")
	defer span.End()

	if err := validation.ValidateStruct(&req,
		validation.Field(&req.OrgID, validation.Required),
		validation.Field(&req.AccountID, validation.Required),
	); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}

	source, err := EvaluateCreditSource(req.Source)
	if err != nil {
		var violation apierror.APIError
		errors.As(err, &violation)
		if recErr := e.recordViolation(ctx, req.OrgID, req.AccountID, actorOrSystem(req.ActorID), violation, map[string]interface{}{
			"source":      req.Source,
			"amountCents": req.AmountCents,
		}); recErr != nil {
			return nil, recErr
		}
		return nil, err
	}

	if req.AmountCents <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidAmount, "credit amount must be positive", nil)
	}

	dedupeID := req.DedupeID
	if dedupeID == "" {
		dedupeID = model.GenerateUUIDWithSuffix("crd")
	}

	return e.applyMovement(ctx, req.OrgID, req.AccountID, movement{
		AmountCents: req.AmountCents,
		Source:      source,
		DedupeID:    dedupeID,
		EventID:     req.EventID,
		OccurredAt:  req.OccurredAt,
		ActorID:     actorOrSystem(req.ActorID),
		Action:      ActionCredit,
		JournalType: "designated.credit",
	}, nil)
}

// DebitTransfer moves funds out of a designated account outside the settlement path. It is
// always refused on deposit-only accounts, and that refusal is recorded as a violation.
func (e *Escrow) DebitTransfer(ctx context.Context, req model.DebitRequest) (*model.TransferResult, error) {
	ctx, span := tracer.Start(ctx, "DebitTransfer")
	defer span.End()

	if err := validation.ValidateStruct(&req,
		validation.Field(&req.OrgID, validation.Required),
		validation.Field(&req.AccountID, validation.Required),
		validation.Field(&req.Source, validation.Required),
	); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	if req.AmountCents <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidAmount, "debit amount must be positive", nil)
	}

	dedupeID := req.DedupeID
	if dedupeID == "" {
		dedupeID = model.GenerateUUIDWithSuffix("dbt")
	}

	result, err := e.applyMovement(ctx, req.OrgID, req.AccountID, movement{
		AmountCents: -req.AmountCents,
		Source:      model.NormalizeSource(req.Source),
		DedupeID:    dedupeID,
		ActorID:     actorOrSystem(req.ActorID),
		Action:      ActionDebit,
		JournalType: "designated.debit",
	}, func(account *model.DesignatedAccount) error {
		if account.DepositOnly {
			return apierror.NewViolation(apierror.ErrDepositOnlyViolation, apierror.ReasonWithdrawalAttempt,
				fmt.Sprintf("designated account %s is deposit-only; withdrawals require the settlement path", account.ID))
		}
		return nil
	})
	if apierror.Is(err, apierror.ErrDepositOnlyViolation) {
		var violation apierror.APIError
		errors.As(err, &violation)
		if recErr := e.recordViolation(ctx, req.OrgID, req.AccountID, actorOrSystem(req.ActorID), violation, map[string]interface{}{
			"source":      req.Source,
			"amountCents": req.AmountCents,
		}); recErr != nil {
			return nil, recErr
		}
	}
	return result, err
}

// ReleaseForSettlement is the approved withdrawal path: funds leave the account only against
// a FILED filing task of the same org. All releases against one filing, across accounts,
// never add up to more than the filing's liability.
func (e *Escrow) ReleaseForSettlement(ctx context.Context, req model.SettlementRequest) (*model.TransferResult, error) {
	ctx, span := tracer.Start(ctx, "ReleaseForSettlement")
	defer span.End()

	if err := validation.ValidateStruct(&req,
		validation.Field(&req.OrgID, validation.Required),
		validation.Field(&req.AccountID, validation.Required),
		validation.Field(&req.FilingID, validation.Required),
	); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil)
	}
	if req.AmountCents <= 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidAmount, "settlement amount must be positive", nil)
	}

	dedupeID := req.DedupeID
	if dedupeID == "" {
		dedupeID = "settlement:" + req.FilingID + ":" + req.AccountID
	}

	return e.applyMovement(ctx, req.OrgID, req.AccountID, movement{
		AmountCents: -req.AmountCents,
		Source:      model.SourceSettlementRelease,
		DedupeID:    dedupeID,
		FilingID:    req.FilingID,
		ActorID:     actorOrSystem(req.ActorID),
		Action:      ActionSettlement,
		JournalType: "designated.settlement",
		Metadata:    map[string]interface{}{"filingId": req.FilingID},
	}, nil, func(ctx context.Context, q database.Queries) error {
		task, err := q.GetFilingTask(ctx, req.FilingID)
		if errors.Is(err, database.ErrNotFound) || (err == nil && task.OrgID != req.OrgID) {
			return apierror.NewViolation(apierror.ErrPolicyViolation, apierror.ReasonSettlementNotFiled,
				fmt.Sprintf("filing %s not found for org %s", req.FilingID, req.OrgID))
		}
		if err != nil {
			return err
		}
		if task.Status != model.FilingFiled {
			return apierror.NewViolation(apierror.ErrPolicyViolation, apierror.ReasonSettlementNotFiled,
				fmt.Sprintf("filing %s is %s, settlement requires FILED", task.ID, task.Status))
		}
		settled, err := q.SumSettledCents(ctx, req.OrgID, req.FilingID)
		if err != nil {
			return err
		}
		liability := task.LiabilityCents()
		if remaining := liability - settled; req.AmountCents > remaining {
			return apierror.NewAPIError(apierror.ErrInvalidAmount,
				fmt.Sprintf("settlement of %d exceeds the %d left of filing liability %d", req.AmountCents, remaining, liability), nil)
		}
		return nil
	})
}

// SetAccountStatus moves an account between ACTIVE, INVESTIGATING, LOCKED and CLOSED.
// CLOSED is final.
func (e *Escrow) SetAccountStatus(ctx context.Context, orgID, accountID string, status model.AccountStatus, actorID string) (*model.DesignatedAccount, error) {
	ctx, span := tracer.Start(ctx, "SetAccountStatus")
	defer span.End()

	switch status {
	case model.AccountActive, model.AccountInvestigating, model.AccountLocked, model.AccountClosed:
	default:
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown account status %q", status), nil)
	}

	var (
		account *model.DesignatedAccount
		entry   *model.AuditLogEntry
	)
	err := e.inTx(ctx, "set_account_status", func(q database.Queries) error {
		var err error
		account, err = loadOwnedAccount(ctx, q, orgID, accountID)
		if err != nil {
			return err
		}
		from := account.Status
		if from == status {
			return nil
		}
		if from == model.AccountClosed {
			return apierror.NewViolation(apierror.ErrAccountLocked, apierror.ReasonAccountLocked,
				fmt.Sprintf("designated account %s is closed", accountID))
		}
		account.Status = status
		account.UpdatedAt = e.clock()
		if err := q.UpdateDesignatedAccount(ctx, account); err != nil {
			return err
		}
		entry, err = e.appendAuditTx(ctx, q, orgID, actorOrSystem(actorID), ActionStatusChanged, map[string]interface{}{
			"accountId": accountID,
			"from":      string(from),
			"to":        string(status),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.emitAudit(ctx, entry)
	return account, nil
}

// applyMovement runs one balance change in a single transaction. A dedupe id that already
// produced a transfer returns that transfer before guards or account checks run. check
// inspects the loaded account; guards run first against the transaction's queries.
func (e *Escrow) applyMovement(ctx context.Context, orgID, accountID string, mv movement, check func(*model.DesignatedAccount) error, guards ...func(context.Context, database.Queries) error) (*model.TransferResult, error) {
	var (
		transfer *model.DesignatedTransfer
		entry    *model.AuditLogEntry
		replayed bool
	)
	err := e.inTx(ctx, mv.JournalType, func(q database.Queries) error {
		existing, err := q.GetDesignatedTransferByDedupe(ctx, orgID, mv.DedupeID)
		if err == nil {
			transfer, replayed = existing, true
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		for _, guard := range guards {
			if err := guard(ctx, q); err != nil {
				return err
			}
		}
		account, err := loadOwnedAccount(ctx, q, orgID, accountID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(account); err != nil {
				return err
			}
		}
		transfer, entry, err = e.moveFundsTx(ctx, q, account, mv)
		return err
	})
	if errors.Is(err, database.ErrDuplicate) {
		return e.existingTransferResult(ctx, orgID, mv.DedupeID)
	}
	if err != nil {
		return nil, err
	}
	if !replayed {
		e.emitAudit(ctx, entry)
	}
	return transferResult(transfer), nil
}

func transferResult(transfer *model.DesignatedTransfer) *model.TransferResult {
	return &model.TransferResult{
		AccountID:  transfer.AccountID,
		NewBalance: transfer.BalanceAfter,
		TransferID: transfer.ID,
		Source:     transfer.Source,
	}
}

// moveFundsTx applies mv to account: version-checked balance update, journal entry, transfer,
// audit entry and a self-consistent reconciliation record.
func (e *Escrow) moveFundsTx(ctx context.Context, q database.Queries, account *model.DesignatedAccount, mv movement) (*model.DesignatedTransfer, *model.AuditLogEntry, error) {
	if !account.Status.AcceptsTransfers() {
		return nil, nil, apierror.NewViolation(apierror.ErrAccountLocked, apierror.ReasonAccountLocked,
			fmt.Sprintf("designated account %s is %s", account.ID, account.Status))
	}
	if mv.AmountCents > 0 && account.BalanceCents > math.MaxInt64-mv.AmountCents {
		return nil, nil, apierror.NewAPIError(apierror.ErrInvalidAmount, "credit would overflow the account balance", nil)
	}
	if mv.AmountCents < 0 && account.BalanceCents+mv.AmountCents < 0 {
		return nil, nil, apierror.NewAPIError(apierror.ErrInsufficientBalance,
			fmt.Sprintf("designated account %s holds %d, cannot release %d", account.ID, account.BalanceCents, -mv.AmountCents), nil)
	}

	now := e.clock()
	account.BalanceCents += mv.AmountCents
	account.UpdatedAt = now
	if err := q.UpdateDesignatedAccount(ctx, account); err != nil {
		return nil, nil, err
	}

	eventID := mv.EventID
	if eventID == "" {
		eventID = mv.DedupeID
	}
	journalEntry, err := e.appendJournalTx(ctx, q, model.JournalInput{
		OrgID:      account.OrgID,
		EventID:    eventID,
		DedupeID:   "designated:" + mv.DedupeID,
		Type:       mv.JournalType,
		OccurredAt: mv.OccurredAt,
		Source:     string(mv.Source),
		Postings: []model.Posting{
			{AccountID: account.ID, AmountCents: mv.AmountCents, Memo: string(account.LiabilityType)},
			{AccountID: model.ControlAccountID(mv.Source), AmountCents: -mv.AmountCents, Memo: string(mv.Source)},
		},
	})
	if err != nil {
		return nil, nil, err
	}

	transfer := &model.DesignatedTransfer{
		ID:             model.GenerateUUIDWithSuffix("dtr"),
		OrgID:          account.OrgID,
		AccountID:      account.ID,
		AmountCents:    mv.AmountCents,
		Source:         mv.Source,
		DedupeID:       mv.DedupeID,
		FilingID:       mv.FilingID,
		JournalEntryID: journalEntry.ID,
		BalanceAfter:   account.BalanceCents,
		CreatedAt:      now,
	}
	if err := q.InsertDesignatedTransfer(ctx, transfer); err != nil {
		return nil, nil, err
	}

	meta := map[string]interface{}{
		"accountId":      account.ID,
		"amountCents":    mv.AmountCents,
		"source":         string(mv.Source),
		"transferId":     transfer.ID,
		"journalEntryId": journalEntry.ID,
		"newBalance":     account.BalanceCents,
	}
	for k, v := range mv.Metadata {
		meta[k] = v
	}
	entry, err := e.appendAuditTx(ctx, q, account.OrgID, mv.ActorID, mv.Action, meta)
	if err != nil {
		return nil, nil, err
	}

	reconciledAt := now
	if err := q.InsertReconciliationRecord(ctx, &model.ReconciliationRecord{
		ID:              model.GenerateUUIDWithSuffix("rec"),
		OrgID:           account.OrgID,
		AccountID:       account.ID,
		TransferID:      transfer.ID,
		ExpectedCredit:  mv.AmountCents,
		RecordedBalance: account.BalanceCents,
		ObservedBalance: account.BalanceCents,
		Status:          model.ReconciliationReconciled,
		CreatedAt:       now,
		ReconciledAt:    &reconciledAt,
	}); err != nil {
		return nil, nil, err
	}
	return transfer, entry, nil
}

func (e *Escrow) existingTransferResult(ctx context.Context, orgID, dedupeID string) (*model.TransferResult, error) {
	transfer, err := e.datasource.GetDesignatedTransferByDedupe(ctx, orgID, dedupeID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("dedupe id %q is already used by another journal entry", dedupeID), nil)
	}
	if err != nil {
		return nil, err
	}
	return transferResult(transfer), nil
}

// loadOwnedAccount returns the account only when it belongs to orgID. A foreign account is
// reported as not found.
func loadOwnedAccount(ctx context.Context, q database.Queries, orgID, accountID string) (*model.DesignatedAccount, error) {
	account, err := q.GetDesignatedAccount(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) || (err == nil && account.OrgID != orgID) {
		return nil, apierror.NewViolation(apierror.ErrAccountNotFound, apierror.ReasonAccountNotFound,
			fmt.Sprintf("designated account %s not found for org %s", accountID, orgID))
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return systemActor
	}
	return actorID
}
