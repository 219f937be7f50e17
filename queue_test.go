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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/notification"
	"github.com/apgms/escrow/model"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewQueue(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
		Queue: config.QueueConfig{WebhookQueue: "escrow_webhooks", ReconcileQueue: "escrow_reconcile"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestSendWebhook_DedupesFallbackNotices(t *testing.T) {
	q := newTestQueue(t)
	notice := notification.FallbackNotice{OrgID: "org-1", FilingID: "fil_1", Status: string(model.FilingFailed), Reason: "timeout"}

	require.NoError(t, q.SendWebhook(notification.EventManualFallback, notice))
	require.NoError(t, q.SendWebhook(notification.EventManualFallback, notice))

	info, err := q.Inspector.GetTaskInfo("escrow_webhooks", "fallback_fil_1")
	require.NoError(t, err)

	var hook NewWebhook
	require.NoError(t, json.Unmarshal(info.Payload, &hook))
	assert.Equal(t, notification.EventManualFallback, hook.Event)

	pending, err := q.Inspector.ListPendingTasks("escrow_webhooks")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSendWebhook_OtherEventsAreNotKeyed(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.SendWebhook("reconciliation.escalated", map[string]interface{}{"org_id": "org-1"}))
	require.NoError(t, q.SendWebhook("reconciliation.escalated", map[string]interface{}{"org_id": "org-1"}))

	pending, err := q.Inspector.ListPendingTasks("escrow_webhooks")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEnqueueReconcile(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueReconcile(context.Background(), "org-7"))

	pending, err := q.Inspector.ListPendingTasks("escrow_reconcile")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TaskReconcile, pending[0].Type)

	var payload ReconcilePayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "org-7", payload.OrgID)

	nightly := q.ReconcileTask()
	assert.Equal(t, TaskReconcile, nightly.Type())
	assert.JSONEq(t, `{}`, string(nightly.Payload()))
}

func TestProcessReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openAccount(t, model.LiabilityPAYGW, true)

	data, err := json.Marshal(ReconcilePayload{OrgID: f.orgID})
	require.NoError(t, err)
	require.NoError(t, f.escrow.ProcessReconcile(ctx, asynq.NewTask(TaskReconcile, data)))
	assert.Contains(t, auditActions(f.audit(t)), ActionReconciliation)

	require.NoError(t, f.escrow.ProcessReconcile(ctx, asynq.NewTask(TaskReconcile, nil)))
	reconciliations := 0
	for _, action := range auditActions(f.audit(t)) {
		if action == ActionReconciliation {
			reconciliations++
		}
	}
	assert.Equal(t, 2, reconciliations)

	err = f.escrow.ProcessReconcile(ctx, asynq.NewTask(TaskReconcile, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
