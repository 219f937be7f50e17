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
	"time"

	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/apierror"
	"github.com/apgms/escrow/model"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

const (
	EventPayrollWithheld   = "payments.payroll_withheld"
	EventPOSCollected      = "payments.pos_collected"
	EventEscrowTopUp       = "payments.escrow_topup"
	EventEntryPosted       = "ledger.entry_posted"
	EventBalanceObserved   = "ledger.balance_observed"
	EventPayrunFinalized   = "compliance.payrun_finalized"
	EventPeriodClosed      = "compliance.period_closed"
	EventViolationResolved = "compliance.violation_resolved"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedEvent   = errors.New("malformed event payload")
)

// Event is one of the closed set of ingress payloads.
type Event interface {
	EventType() string
	event()
}

// Money accepts either amountCents or a decimal amount in dollars.
type Money struct {
	AmountCents *int64           `json:"amountCents,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
}

func (m Money) Cents() (int64, error) {
	return model.ResolveCents(m.AmountCents, m.Amount)
}

type PayrollWithheld struct {
	Money
	AccountID string `json:"accountId,omitempty"`
	PayRunID  string `json:"payRunId"`
	Source    string `json:"source,omitempty"`
}

type POSCollected struct {
	Money
	AccountID string `json:"accountId,omitempty"`
	Source    string `json:"source,omitempty"`
}

type EscrowTopUp struct {
	Money
	AccountID     string              `json:"accountId,omitempty"`
	LiabilityType model.LiabilityType `json:"liabilityType"`
}

type EntryPosted struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	Postings   []model.Posting `json:"postings"`
}

type BalanceObserved struct {
	AccountID            string `json:"accountId"`
	TransferID           string `json:"transferId,omitempty"`
	ExpectedCreditCents  int64  `json:"expectedCreditCents"`
	ObservedBalanceCents int64  `json:"observedBalanceCents"`
}

type PayrunFinalized struct {
	PayRunID         string          `json:"payRunId"`
	WithholdingCents int64           `json:"withholdingCents"`
	Filing           json.RawMessage `json:"filing,omitempty"`
}

type PeriodClosed struct {
	PeriodID         string          `json:"periodId"`
	WithholdingCents int64           `json:"withholdingCents"`
	ConsumptionCents int64           `json:"consumptionCents"`
	Filing           json.RawMessage `json:"filing,omitempty"`
}

type ViolationResolved struct {
	ActorID string `json:"actorId"`
	Note    string `json:"note,omitempty"`
}

func (PayrollWithheld) EventType() string   { return EventPayrollWithheld }
func (POSCollected) EventType() string      { return EventPOSCollected }
func (EscrowTopUp) EventType() string       { return EventEscrowTopUp }
func (EntryPosted) EventType() string       { return EventEntryPosted }
func (BalanceObserved) EventType() string   { return EventBalanceObserved }
func (PayrunFinalized) EventType() string   { return EventPayrunFinalized }
func (PeriodClosed) EventType() string      { return EventPeriodClosed }
func (ViolationResolved) EventType() string { return EventViolationResolved }

func (PayrollWithheld) event()   {}
func (POSCollected) event()      {}
func (EscrowTopUp) event()       {}
func (EntryPosted) event()       {}
func (BalanceObserved) event()   {}
func (PayrunFinalized) event()   {}
func (PeriodClosed) event()      {}
func (ViolationResolved) event() {}

// ParseEvent decodes the envelope payload into its typed variant.
func ParseEvent(env *model.EventEnvelope) (Event, error) {
	var (
		evt Event
		err error
	)
	switch env.EventType {
	case EventPayrollWithheld:
		var p PayrollWithheld
		if err = decodePayload(env, &p); err == nil {
			err = validation.ValidateStruct(&p, validation.Field(&p.PayRunID, validation.Required))
		}
		evt = p
	case EventPOSCollected:
		var p POSCollected
		err = decodePayload(env, &p)
		evt = p
	case EventEscrowTopUp:
		var p EscrowTopUp
		if err = decodePayload(env, &p); err == nil {
			err = validation.ValidateStruct(&p,
				validation.Field(&p.LiabilityType, validation.Required, validation.In(model.LiabilityPAYGW, model.LiabilityGST)),
			)
		}
		evt = p
	case EventEntryPosted:
		var p EntryPosted
		if err = decodePayload(env, &p); err == nil {
			err = validation.ValidateStruct(&p,
				validation.Field(&p.Type, validation.Required),
				validation.Field(&p.Postings, validation.Required),
			)
		}
		evt = p
	case EventBalanceObserved:
		var p BalanceObserved
		if err = decodePayload(env, &p); err == nil {
			err = validation.ValidateStruct(&p, validation.Field(&p.AccountID, validation.Required))
		}
		evt = p
	case EventPayrunFinalized:
		var p PayrunFinalized
		if err = decodePayload(env, &p); err == nil {
			err = validation.ValidateStruct(&p,
				validation.Field(&p.PayRunID, validation.Required),
				validation.Field(&p.WithholdingCents, validation.Min(int64(0))),
			)
		}
		evt = p
	case EventPeriodClosed:
		var p PeriodClosed
		if err = decodePayload(env, &p); err == nil {
			err = validation.ValidateStruct(&p,
				validation.Field(&p.PeriodID, validation.Required),
				validation.Field(&p.WithholdingCents, validation.Min(int64(0))),
				validation.Field(&p.ConsumptionCents, validation.Min(int64(0))),
			)
		}
		evt = p
	case EventViolationResolved:
		var p ViolationResolved
		err = decodePayload(env, &p)
		evt = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.EventType, err)
	}
	return evt, nil
}

func decodePayload(env *model.EventEnvelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(env.Payload, v)
}

// HandleEvent applies one ingress event. Redelivered envelopes are absorbed by the dedupe keys
// of the operation they map to.
func (e *Escrow) HandleEvent(ctx context.Context, env *model.EventEnvelope) error {
	ctx, span := tracer.Start(ctx, "HandleEvent")
	defer span.End()

	if env.OrgID == "" {
		return fmt.Errorf("%w: orgId is required", ErrMalformedEvent)
	}
	evt, err := ParseEvent(env)
	if err != nil {
		span.RecordError(err)
		return err
	}

	switch p := evt.(type) {
	case PayrollWithheld:
		err = e.creditFromEvent(ctx, env, p.Money, p.AccountID, model.LiabilityPAYGW, sourceOr(p.Source, model.SourcePayrollCapture))
	case POSCollected:
		err = e.creditFromEvent(ctx, env, p.Money, p.AccountID, model.LiabilityGST, sourceOr(p.Source, model.SourceGSTCapture))
	case EscrowTopUp:
		err = e.creditFromEvent(ctx, env, p.Money, p.AccountID, p.LiabilityType, string(model.SourceBASEscrow))
	case EntryPosted:
		_, _, err = e.AppendJournal(ctx, model.JournalInput{
			OrgID:      env.OrgID,
			EventID:    env.ID,
			DedupeID:   env.DedupeKey(),
			Type:       p.Type,
			OccurredAt: orTime(p.OccurredAt, env.TS),
			Source:     env.Source,
			Postings:   p.Postings,
		})
	case BalanceObserved:
		_, err = e.RecordExpectation(ctx, model.ExpectationInput{
			OrgID:           env.OrgID,
			AccountID:       p.AccountID,
			TransferID:      p.TransferID,
			DedupeID:        env.DedupeKey(),
			ExpectedCredit:  p.ExpectedCreditCents,
			RecordedBalance: p.ObservedBalanceCents,
		})
	case PayrunFinalized:
		_, _, err = e.CreateFilingTask(ctx, model.FilingRequest{
			OrgID:            env.OrgID,
			Kind:             model.FilingWithholding,
			ReferenceID:      p.PayRunID,
			WithholdingCents: p.WithholdingCents,
			Payload:          p.Filing,
			ActorID:          env.Source,
		})
	case PeriodClosed:
		_, _, err = e.CreateFilingTask(ctx, model.FilingRequest{
			OrgID:            env.OrgID,
			Kind:             model.FilingStatement,
			ReferenceID:      p.PeriodID,
			WithholdingCents: p.WithholdingCents,
			ConsumptionCents: p.ConsumptionCents,
			Payload:          p.Filing,
			ActorID:          env.Source,
		})
	case ViolationResolved:
		_, err = e.ResolveViolations(ctx, env.OrgID, p.ActorID, p.Note)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownEventType, evt)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// creditFromEvent credits the account named in the payload, or the org's account for
// liabilityType when the producer left it out.
func (e *Escrow) creditFromEvent(ctx context.Context, env *model.EventEnvelope, money Money, accountID string, liabilityType model.LiabilityType, source string) error {
	cents, err := money.Cents()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInvalidAmount, err.Error(), nil)
	}

	if accountID == "" {
		account, err := e.datasource.GetDesignatedAccountByType(ctx, env.OrgID, liabilityType)
		if errors.Is(err, database.ErrNotFound) {
			return apierror.NewViolation(apierror.ErrAccountNotFound, "designated_account_not_found",
				fmt.Sprintf("no %s designated account for org %s", liabilityType, env.OrgID))
		}
		if err != nil {
			return err
		}
		accountID = account.ID
	}

	_, err = e.CreditTransfer(ctx, model.CreditRequest{
		OrgID:       env.OrgID,
		AccountID:   accountID,
		AmountCents: cents,
		Source:      source,
		ActorID:     env.Source,
		DedupeID:    env.DedupeKey(),
		EventID:     env.ID,
		OccurredAt:  env.TS,
	})
	return err
}

func sourceOr(raw string, fallback model.FundingSource) string {
	if raw == "" {
		return string(fallback)
	}
	return raw
}

func orTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
