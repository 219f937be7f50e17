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

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/notification"
	redis_db "github.com/apgms/escrow/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// TaskReconcile is the asynq task type of a scheduled or on-demand reconciliation run.
const TaskReconcile = "reconcile:nightly"

// Queue represents a queue for handling background tasks.
type Queue struct {
	Client         *asynq.Client
	Inspector      *asynq.Inspector
	webhookQueue   string
	reconcileQueue string
}

// ReconcilePayload selects one org; an empty OrgID reconciles every org.
type ReconcilePayload struct {
	OrgID string `json:"org_id,omitempty"`
}

// RedisClientOpt maps the configured redis DNS onto asynq connection options.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parsing redis url: %w", err)
	}
	return asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:         asynq.NewClient(queueOptions),
		Inspector:      asynq.NewInspector(queueOptions),
		webhookQueue:   conf.Queue.WebhookQueue,
		reconcileQueue: conf.Queue.ReconcileQueue,
	}, nil
}

// SendWebhook enqueues a webhook notification. Manual-fallback notices are keyed by filing
// id so that a redelivered escalation is enqueued once.
func (q *Queue) SendWebhook(event string, payload interface{}) error {
	data, err := json.Marshal(NewWebhook{Event: event, Payload: payload})
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{asynq.Queue(q.webhookQueue), asynq.MaxRetry(10)}
	if notice, ok := payload.(notification.FallbackNotice); ok {
		taskOptions = append(taskOptions, asynq.TaskID("fallback_"+notice.FilingID))
	}

	task := asynq.NewTask(q.webhookQueue, data, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logrus.Infof("webhook %s already queued", event)
		return nil
	}
	if err != nil {
		logrus.Errorf("enqueue webhook %s: %v", event, err)
		return err
	}
	logrus.Debugf(" [*] Successfully enqueued webhook %s: %s", event, info.ID)
	return nil
}

// EnqueueReconcile queues an on-demand reconciliation for orgID.
func (q *Queue) EnqueueReconcile(ctx context.Context, orgID string) error {
	data, err := json.Marshal(ReconcilePayload{OrgID: orgID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskReconcile, data, asynq.Queue(q.reconcileQueue), asynq.MaxRetry(3))
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return err
	}
	logrus.Infof(" [*] Successfully enqueued reconciliation for org %q", orgID)
	return nil
}

// ReconcileTask is the task the scheduler registers for the nightly run.
func (q *Queue) ReconcileTask() *asynq.Task {
	data, _ := json.Marshal(ReconcilePayload{})
	return asynq.NewTask(TaskReconcile, data, asynq.Queue(q.reconcileQueue), asynq.MaxRetry(1))
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		logrus.Error(err)
	}
	return q.Client.Close()
}

// ProcessReconcile runs a queued reconciliation.
func (e *Escrow) ProcessReconcile(ctx context.Context, task *asynq.Task) error {
	var payload ReconcilePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.OrgID != "" {
		_, err := e.Reconcile(ctx, payload.OrgID, systemActor)
		return err
	}
	results, err := e.ReconcileAll(ctx)
	logrus.Infof("Reconciled %d orgs", len(results))
	return err
}
