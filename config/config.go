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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	DEFAULT_WEBHOOK_QUEUE   = "escrow_webhooks"
	DEFAULT_RECONCILE_QUEUE = "escrow_reconcile"
	DEFAULT_NATS_STREAM     = "CONTRIBUTIONS"
	DEFAULT_NATS_SUBJECT    = "events.>"
	DEFAULT_NATS_DURABLE    = "escrow-ingest"
	DEFAULT_USER_AGENT      = "APGMS-ATO-Filer/1.0"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"APGMS_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"APGMS_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"APGMS_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"APGMS_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"APGMS_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"APGMS_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns                string `json:"dns" envconfig:"APGMS_DATA_SOURCE_DNS"`
	MaxOpenConns       int    `json:"max_open_conns" envconfig:"APGMS_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns       int    `json:"max_idle_conns" envconfig:"APGMS_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec" envconfig:"APGMS_DATA_SOURCE_CONN_MAX_LIFETIME_SEC"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"APGMS_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"APGMS_REDIS_SKIP_TLS_VERIFY"`
}

type NatsConfig struct {
	URL           string `json:"url" envconfig:"APGMS_NATS_URL"`
	Stream        string `json:"stream" envconfig:"APGMS_NATS_STREAM"`
	Subject       string `json:"subject" envconfig:"APGMS_NATS_SUBJECT"`
	Durable       string `json:"durable" envconfig:"APGMS_NATS_DURABLE"`
	MaxDeliver    int    `json:"max_deliver" envconfig:"APGMS_NATS_MAX_DELIVER"`
	AckWaitSec    int    `json:"ack_wait_sec" envconfig:"APGMS_NATS_ACK_WAIT_SEC"`
	NakDelaySec   int    `json:"nak_delay_sec" envconfig:"APGMS_NATS_NAK_DELAY_SEC"`
	MaxReconnects int    `json:"max_reconnects" envconfig:"APGMS_NATS_MAX_RECONNECTS"`
}

type RegulatorConfig struct {
	BaseURL      string `json:"base_url" envconfig:"APGMS_REGULATOR_BASE_URL"`
	TokenURL     string `json:"token_url" envconfig:"APGMS_REGULATOR_TOKEN_URL"`
	ClientID     string `json:"client_id" envconfig:"APGMS_REGULATOR_CLIENT_ID"`
	ClientSecret string `json:"client_secret" envconfig:"APGMS_REGULATOR_CLIENT_SECRET"`
	Scope        string `json:"scope" envconfig:"APGMS_REGULATOR_SCOPE"`
	UserAgent    string `json:"user_agent" envconfig:"APGMS_REGULATOR_USER_AGENT"`
	TimeoutSec   int    `json:"timeout_sec" envconfig:"APGMS_REGULATOR_TIMEOUT_SEC"`
	MaxRetries   int    `json:"max_retries" envconfig:"APGMS_REGULATOR_MAX_RETRIES"`
}

type FilingConfig struct {
	MaxWorkers             int   `json:"max_workers" envconfig:"APGMS_FILING_MAX_WORKERS"`
	BatchSize              int   `json:"batch_size" envconfig:"APGMS_FILING_BATCH_SIZE"`
	PollIntervalSec        int   `json:"poll_interval_sec" envconfig:"APGMS_FILING_POLL_INTERVAL_SEC"`
	WithholdingMaxAttempts int   `json:"withholding_max_attempts" envconfig:"APGMS_FILING_WITHHOLDING_MAX_ATTEMPTS"`
	StatementMaxAttempts   int   `json:"statement_max_attempts" envconfig:"APGMS_FILING_STATEMENT_MAX_ATTEMPTS"`
	BackoffSeconds         int   `json:"backoff_seconds" envconfig:"APGMS_FILING_BACKOFF_SECONDS"`
	MaxBackoffSeconds      int   `json:"max_backoff_seconds" envconfig:"APGMS_FILING_MAX_BACKOFF_SECONDS"`
	EscrowToleranceCents   int64 `json:"escrow_tolerance_cents" envconfig:"APGMS_FILING_ESCROW_TOLERANCE_CENTS"`
	EscrowRecheckSec       int   `json:"escrow_recheck_sec" envconfig:"APGMS_FILING_ESCROW_RECHECK_SEC"`
	SubmitTimeoutSec       int   `json:"submit_timeout_sec" envconfig:"APGMS_FILING_SUBMIT_TIMEOUT_SEC"`
	ClaimTimeoutSec        int   `json:"claim_timeout_sec" envconfig:"APGMS_FILING_CLAIM_TIMEOUT_SEC"`
}

type ReconciliationConfig struct {
	ToleranceCents int64  `json:"tolerance_cents" envconfig:"APGMS_RECONCILIATION_TOLERANCE_CENTS"`
	WindowHours    int    `json:"window_hours" envconfig:"APGMS_RECONCILIATION_WINDOW_HOURS"`
	Schedule       string `json:"schedule" envconfig:"APGMS_RECONCILIATION_SCHEDULE"`
	LockTimeoutSec int    `json:"lock_timeout_sec" envconfig:"APGMS_RECONCILIATION_LOCK_TIMEOUT_SEC"`
}

type EvidenceConfig struct {
	S3Bucket           string `json:"s3_bucket" envconfig:"APGMS_EVIDENCE_S3_BUCKET"`
	S3Region           string `json:"s3_region" envconfig:"APGMS_EVIDENCE_S3_REGION"`
	S3Endpoint         string `json:"s3_endpoint" envconfig:"APGMS_EVIDENCE_S3_ENDPOINT"`
	S3Prefix           string `json:"s3_prefix" envconfig:"APGMS_EVIDENCE_S3_PREFIX"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"APGMS_EVIDENCE_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"APGMS_EVIDENCE_AWS_SECRET_ACCESS_KEY"`
	RetentionDays      int    `json:"retention_days" envconfig:"APGMS_EVIDENCE_RETENTION_DAYS"`
	CacheTTLSec        int    `json:"cache_ttl_sec" envconfig:"APGMS_EVIDENCE_CACHE_TTL_SEC"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"APGMS_QUEUE_WEBHOOK"`
	ReconcileQueue string `json:"reconcile_queue" envconfig:"APGMS_QUEUE_RECONCILE"`
	Concurrency    int    `json:"concurrency" envconfig:"APGMS_QUEUE_CONCURRENCY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"APGMS_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"APGMS_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"APGMS_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"APGMS_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"APGMS_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"APGMS_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"APGMS_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Nats            NatsConfig           `json:"nats"`
	Regulator       RegulatorConfig      `json:"regulator"`
	Filing          FilingConfig         `json:"filing"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Evidence        EvidenceConfig       `json:"evidence"`
	Queue           QueueConfig          `json:"queue"`
	Notification    Notification         `json:"notification"`
	RateLimit       RateLimitConfig      `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("apgms", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called apgms.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "APGMS Escrow"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.DataSource.setDefaults()
	cnf.Nats.setDefaults()
	cnf.Regulator.setDefaults()
	cnf.Filing.setDefaults()
	cnf.Reconciliation.setDefaults()
	cnf.Queue.setDefaults()

	if cnf.Evidence.CacheTTLSec == 0 {
		cnf.Evidence.CacheTTLSec = 3600
	}
	if cnf.Evidence.RetentionDays == 0 {
		cnf.Evidence.RetentionDays = 2555 // seven years
	}

	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (d *DataSourceConfig) setDefaults() {
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = 25
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = 10
	}
	if d.ConnMaxLifetimeSec == 0 {
		d.ConnMaxLifetimeSec = 1800
	}
}

func (n *NatsConfig) setDefaults() {
	if n.Stream == "" {
		n.Stream = DEFAULT_NATS_STREAM
	}
	if n.Subject == "" {
		n.Subject = DEFAULT_NATS_SUBJECT
	}
	if n.Durable == "" {
		n.Durable = DEFAULT_NATS_DURABLE
	}
	if n.MaxDeliver == 0 {
		n.MaxDeliver = 10
	}
	if n.AckWaitSec == 0 {
		n.AckWaitSec = 30
	}
	if n.NakDelaySec == 0 {
		n.NakDelaySec = 5
	}
	if n.MaxReconnects == 0 {
		n.MaxReconnects = -1
	}
}

func (r *RegulatorConfig) setDefaults() {
	if r.UserAgent == "" {
		r.UserAgent = DEFAULT_USER_AGENT
	}
	if r.TimeoutSec == 0 {
		r.TimeoutSec = 30
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 2
	}
}

func (f *FilingConfig) setDefaults() {
	if f.MaxWorkers == 0 {
		f.MaxWorkers = 4
	}
	if f.BatchSize == 0 {
		f.BatchSize = f.MaxWorkers * 25
	}
	if f.PollIntervalSec == 0 {
		f.PollIntervalSec = 15
	}
	if f.WithholdingMaxAttempts == 0 {
		f.WithholdingMaxAttempts = 3
	}
	if f.StatementMaxAttempts == 0 {
		f.StatementMaxAttempts = 3
	}
	if f.BackoffSeconds == 0 {
		f.BackoffSeconds = 30
	}
	if f.MaxBackoffSeconds == 0 {
		f.MaxBackoffSeconds = 900
	}
	if f.EscrowToleranceCents == 0 {
		f.EscrowToleranceCents = 1
	}
	if f.EscrowRecheckSec == 0 {
		f.EscrowRecheckSec = 300
	}
	if f.SubmitTimeoutSec == 0 {
		f.SubmitTimeoutSec = 45
	}
	if f.ClaimTimeoutSec == 0 {
		f.ClaimTimeoutSec = 600
	}
}

func (r *ReconciliationConfig) setDefaults() {
	if r.ToleranceCents == 0 {
		r.ToleranceCents = 1
	}
	if r.WindowHours == 0 {
		r.WindowHours = 24
	}
	if r.Schedule == "" {
		r.Schedule = "0 2 * * *"
	}
	if r.LockTimeoutSec == 0 {
		r.LockTimeoutSec = 900
	}
}

func (q *QueueConfig) setDefaults() {
	if q.WebhookQueue == "" {
		q.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if q.ReconcileQueue == "" {
		q.ReconcileQueue = DEFAULT_RECONCILE_QUEUE
	}
	if q.Concurrency == 0 {
		q.Concurrency = 5
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
