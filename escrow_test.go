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
	"sync"
	"testing"
	"time"

	"github.com/apgms/escrow/database/memory"
	"github.com/apgms/escrow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
)

// stubRegulator answers submissions from a scripted list; the last step repeats once exhausted.
type stubRegulator struct {
	mu    sync.Mutex
	steps []regulatorStep
	calls []string
}

type regulatorStep struct {
	status  model.RegulatorStatus
	message string
	err     error
	delay   time.Duration
}

func (s *stubRegulator) next(idempotencyKey string) regulatorStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, idempotencyKey)
	if len(s.steps) == 0 {
		return regulatorStep{status: model.RegulatorAccepted}
	}
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step
}

func (s *stubRegulator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubRegulator) SubmitWithholdingFiling(ctx context.Context, idempotencyKey, payRunID string, _ json.RawMessage) (*model.WithholdingReceipt, error) {
	step := s.next(idempotencyKey)
	if step.delay > 0 {
		select {
		case <-time.After(step.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return &model.WithholdingReceipt{Status: step.status, SubmissionID: "sub-" + payRunID, Message: step.message}, nil
}

func (s *stubRegulator) SubmitStatementFiling(_ context.Context, idempotencyKey, periodID string, _ json.RawMessage) (*model.StatementReceipt, error) {
	step := s.next(idempotencyKey)
	if step.err != nil {
		return nil, step.err
	}
	return &model.StatementReceipt{Status: step.status, ReceiptReference: "rcpt-" + periodID, Message: step.message}, nil
}

type escalation struct {
	filingID string
	status   model.FilingStatus
	reason   string
}

type recordingFallback struct {
	mu    sync.Mutex
	calls []escalation
}

func (f *recordingFallback) Escalate(_ context.Context, task *model.FilingTask, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escalation{filingID: task.ID, status: task.Status, reason: reason})
	return nil
}

func (f *recordingFallback) escalations() []escalation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]escalation(nil), f.calls...)
}

type countingMetrics struct {
	mu        sync.Mutex
	filed     map[model.FilingKind]int
	blocked   map[string]int
	escalated int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{filed: map[model.FilingKind]int{}, blocked: map[string]int{}}
}

func (m *countingMetrics) FilingFiled(_ context.Context, kind model.FilingKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filed[kind]++
}

func (m *countingMetrics) EscrowBlocked(_ context.Context, _ model.FilingKind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[reason]++
}

func (m *countingMetrics) DiscrepancyEscalated(_ context.Context, _ string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escalated += count
}

type memorySink struct {
	mu      sync.Mutex
	entries []*model.AuditLogEntry
	err     error
}

func (s *memorySink) Emit(_ context.Context, entry *model.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

type fixture struct {
	escrow    *Escrow
	store     *memory.Store
	regulator *stubRegulator
	fallback  *recordingFallback
	metrics   *countingMetrics
	sink      *memorySink
	orgID     string
}

func testSettings() Settings {
	s := DefaultSettings()
	s.BackoffBase = time.Second
	s.BackoffCap = 10 * time.Second
	s.SubmitTimeout = time.Second
	return s
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.New(),
		regulator: &stubRegulator{},
		fallback:  &recordingFallback{},
		metrics:   newCountingMetrics(),
		sink:      &memorySink{},
		orgID:     "org-" + gofakeit.UUID(),
	}
	base := []Option{
		WithSettings(testSettings()),
		WithRegulator(f.regulator),
		WithManualFallback(f.fallback),
		WithMetrics(f.metrics),
		WithAuditSink(f.sink),
	}
	f.escrow = NewEscrow(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) openAccount(t *testing.T, liability model.LiabilityType, depositOnly bool) *model.DesignatedAccount {
	t.Helper()
	account, err := f.escrow.OpenDesignatedAccount(context.Background(), f.orgID, liability, depositOnly, "tester")
	require.NoError(t, err)
	return account
}

func (f *fixture) credit(t *testing.T, accountID string, cents int64) *model.TransferResult {
	t.Helper()
	result, err := f.escrow.CreditTransfer(context.Background(), model.CreditRequest{
		OrgID:       f.orgID,
		AccountID:   accountID,
		AmountCents: cents,
		Source:      string(model.SourcePayrollCapture),
		ActorID:     "tester",
		DedupeID:    gofakeit.UUID(),
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) account(t *testing.T, id string) *model.DesignatedAccount {
	t.Helper()
	account, err := f.store.GetDesignatedAccount(context.Background(), id)
	require.NoError(t, err)
	return account
}

func (f *fixture) journal(t *testing.T) []*model.JournalEntry {
	t.Helper()
	entries, err := f.store.GetJournalEntries(context.Background(), f.orgID, 0, 1000)
	require.NoError(t, err)
	return entries
}

func (f *fixture) audit(t *testing.T) []*model.AuditLogEntry {
	t.Helper()
	entries, err := f.store.GetAuditEntries(context.Background(), f.orgID, 0, 1000)
	require.NoError(t, err)
	return entries
}

// records returns the account's reconciliation records in the given status.
func (f *fixture) records(t *testing.T, accountID string, status model.ReconciliationStatus) []*model.ReconciliationRecord {
	t.Helper()
	all, err := f.store.ListReconciliationRecords(context.Background(), accountID)
	require.NoError(t, err)
	out := []*model.ReconciliationRecord{}
	for _, r := range all {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (f *fixture) withholdingTask(t *testing.T, cents int64) *model.FilingTask {
	t.Helper()
	task, created, err := f.escrow.CreateFilingTask(context.Background(), model.FilingRequest{
		OrgID:            f.orgID,
		Kind:             model.FilingWithholding,
		ReferenceID:      "payrun-" + gofakeit.UUID(),
		WithholdingCents: cents,
		ActorID:          "payroll",
	})
	require.NoError(t, err)
	require.True(t, created)
	return task
}

func auditActions(entries []*model.AuditLogEntry) []string {
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

var errNetwork = errors.New("dial tcp 10.0.0.1:443: i/o timeout")
