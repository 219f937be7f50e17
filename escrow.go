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
	"embed"
	"encoding/json"
	"time"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/database"
	"github.com/apgms/escrow/internal/cache"
	"github.com/apgms/escrow/internal/notification"
	"github.com/apgms/escrow/model"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("escrow")

//go:embed sql/*.sql
var SQLFiles embed.FS

// RegulatorClient submits filings to the tax authority. Network and timeout failures are
// returned as errors; the receipt status is only set for answered calls.
type RegulatorClient interface {
	SubmitWithholdingFiling(ctx context.Context, idempotencyKey, payRunID string, payload json.RawMessage) (*model.WithholdingReceipt, error)
	SubmitStatementFiling(ctx context.Context, idempotencyKey, periodID string, payload json.RawMessage) (*model.StatementReceipt, error)
}

// ManualFallback hands a filing over to a human. reason is captured at the moment the task
// left the automatic path.
type ManualFallback interface {
	Escalate(ctx context.Context, task *model.FilingTask, reason string) error
}

// Metrics receives the named outcome counters.
type Metrics interface {
	FilingFiled(ctx context.Context, kind model.FilingKind)
	EscrowBlocked(ctx context.Context, kind model.FilingKind, reason string)
	DiscrepancyEscalated(ctx context.Context, orgID string, count int)
}

// AuditSink receives every committed audit entry for downstream compliance tooling.
type AuditSink interface {
	Emit(ctx context.Context, entry *model.AuditLogEntry) error
}

// EvidenceArchive keeps a write-once copy of a sealed artifact and returns its locator.
type EvidenceArchive interface {
	Put(ctx context.Context, artifact *model.EvidenceArtifact) (string, error)
}

// Settings holds the engine tunables. Operations never read global configuration.
type Settings struct {
	WithholdingMaxAttempts int
	StatementMaxAttempts   int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	EscrowToleranceCents   int64
	EscrowRecheck          time.Duration
	SubmitTimeout          time.Duration
	ClaimTimeout           time.Duration

	// FilingWorkers bounds concurrent submissions per filing kind.
	FilingWorkers      int
	FilingBatchSize    int
	FilingPollInterval time.Duration

	ReconcileWindow         time.Duration
	ReconcileToleranceCents int64
	ReconcileLockTTL        time.Duration

	EvidenceCacheTTL time.Duration

	// TxMaxRetries bounds the retries of a transaction that lost a serialization race.
	TxMaxRetries uint64
}

func DefaultSettings() Settings {
	return Settings{
		WithholdingMaxAttempts:  3,
		StatementMaxAttempts:    3,
		BackoffBase:             30 * time.Second,
		BackoffCap:              15 * time.Minute,
		EscrowToleranceCents:    1,
		EscrowRecheck:           5 * time.Minute,
		SubmitTimeout:           45 * time.Second,
		ClaimTimeout:            10 * time.Minute,
		FilingWorkers:           4,
		FilingBatchSize:         100,
		FilingPollInterval:      15 * time.Second,
		ReconcileWindow:         24 * time.Hour,
		ReconcileToleranceCents: 1,
		ReconcileLockTTL:        15 * time.Minute,
		EvidenceCacheTTL:        time.Hour,
		TxMaxRetries:            8,
	}
}

// SettingsFromConfig maps a validated configuration onto engine settings.
func SettingsFromConfig(cfg *config.Configuration) Settings {
	s := DefaultSettings()
	s.WithholdingMaxAttempts = cfg.Filing.WithholdingMaxAttempts
	s.StatementMaxAttempts = cfg.Filing.StatementMaxAttempts
	s.BackoffBase = time.Duration(cfg.Filing.BackoffSeconds) * time.Second
	s.BackoffCap = time.Duration(cfg.Filing.MaxBackoffSeconds) * time.Second
	s.EscrowToleranceCents = cfg.Filing.EscrowToleranceCents
	s.EscrowRecheck = time.Duration(cfg.Filing.EscrowRecheckSec) * time.Second
	s.SubmitTimeout = time.Duration(cfg.Filing.SubmitTimeoutSec) * time.Second
	s.ClaimTimeout = time.Duration(cfg.Filing.ClaimTimeoutSec) * time.Second
	s.FilingWorkers = cfg.Filing.MaxWorkers
	s.FilingBatchSize = cfg.Filing.BatchSize
	s.FilingPollInterval = time.Duration(cfg.Filing.PollIntervalSec) * time.Second
	s.ReconcileWindow = time.Duration(cfg.Reconciliation.WindowHours) * time.Hour
	s.ReconcileToleranceCents = cfg.Reconciliation.ToleranceCents
	s.ReconcileLockTTL = time.Duration(cfg.Reconciliation.LockTimeoutSec) * time.Second
	s.EvidenceCacheTTL = time.Duration(cfg.Evidence.CacheTTLSec) * time.Second
	return s
}

func (s Settings) maxAttempts(kind model.FilingKind) int {
	if kind == model.FilingStatement {
		return s.StatementMaxAttempts
	}
	return s.WithholdingMaxAttempts
}

// Escrow is the engine: journal, designated accounts, audit trail, reconciliation and the
// settlement filing queue over one transactional store.
type Escrow struct {
	datasource database.IDataSource
	settings   Settings
	regulator  RegulatorClient
	fallback   ManualFallback
	metrics    Metrics
	auditSink  AuditSink
	archive    EvidenceArchive
	cache      cache.Cache
	redis      redis.UniversalClient
	queue      *Queue
	now        func() time.Time
}

type Option func(*Escrow)

func WithSettings(s Settings) Option {
	return func(e *Escrow) { e.settings = s }
}

func WithRegulator(c RegulatorClient) Option {
	return func(e *Escrow) { e.regulator = c }
}

func WithManualFallback(f ManualFallback) Option {
	return func(e *Escrow) { e.fallback = f }
}

func WithMetrics(m Metrics) Option {
	return func(e *Escrow) { e.metrics = m }
}

func WithAuditSink(s AuditSink) Option {
	return func(e *Escrow) { e.auditSink = s }
}

func WithEvidenceArchive(a EvidenceArchive) Option {
	return func(e *Escrow) { e.archive = a }
}

func WithCache(c cache.Cache) Option {
	return func(e *Escrow) { e.cache = c }
}

// WithRedis enables the per-org reconciliation lock.
func WithRedis(client redis.UniversalClient) Option {
	return func(e *Escrow) { e.redis = client }
}

func WithQueue(q *Queue) Option {
	return func(e *Escrow) { e.queue = q }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Escrow) { e.now = now }
}

// NewEscrow wires the engine around ds. Collaborators that are not supplied fall back to
// no-op implementations, except the regulator which is required only for filing submission.
func NewEscrow(ds database.IDataSource, opts ...Option) *Escrow {
	e := &Escrow{
		datasource: ds,
		settings:   DefaultSettings(),
		metrics:    noopMetrics{},
		fallback:   notificationFallback{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue != nil {
		notification.RegisterWebhookSender(e.queue.SendWebhook)
	}
	return e
}

// clock returns the current time at the store's precision.
func (e *Escrow) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func (e *Escrow) Settings() Settings {
	return e.settings
}

func (e *Escrow) DataSource() database.IDataSource {
	return e.datasource
}

type noopMetrics struct{}

func (noopMetrics) FilingFiled(context.Context, model.FilingKind)           {}
func (noopMetrics) EscrowBlocked(context.Context, model.FilingKind, string) {}
func (noopMetrics) DiscrepancyEscalated(context.Context, string, int)       {}
