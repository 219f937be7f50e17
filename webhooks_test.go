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
	"net/http"
	"testing"
	"time"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/notification"
	"github.com/apgms/escrow/model"
	"github.com/hibiken/asynq"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookURL = "https://hooks.example.com/escrow"

func mockWebhookConfig(url string) {
	config.MockConfig(&config.Configuration{
		Notification: config.Notification{
			Webhook: config.WebhookConfig{Url: url, Headers: map[string]string{"X-Escrow-Signature": "s3cr3t"}},
		},
	})
}

func webhookTask(t *testing.T, hook NewWebhook) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(hook)
	require.NoError(t, err)
	return asynq.NewTask("escrow_webhooks", data)
}

func TestProcessWebhook_PostsWithHeaders(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockWebhookConfig(testWebhookURL)

	var received NewWebhook
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("X-Escrow-Signature") != "s3cr3t" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, ""), nil
		}
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	})

	err := ProcessWebhook(context.Background(), webhookTask(t, NewWebhook{Event: notification.EventManualFallback, Payload: map[string]string{"filing_id": "fil_1"}}))
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Equal(t, notification.EventManualFallback, received.Event)
}

func TestProcessWebhook_ReceiverError(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockWebhookConfig(testWebhookURL)
	httpmock.RegisterResponder(http.MethodPost, testWebhookURL, httpmock.NewStringResponder(http.StatusBadGateway, "upstream down"))

	err := ProcessWebhook(context.Background(), webhookTask(t, NewWebhook{Event: "x"}))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessWebhook_Unconfigured(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	mockWebhookConfig("")

	require.NoError(t, ProcessWebhook(context.Background(), webhookTask(t, NewWebhook{Event: "x"})))
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestProcessWebhook_MalformedPayload(t *testing.T) {
	mockWebhookConfig(testWebhookURL)

	err := ProcessWebhook(context.Background(), asynq.NewTask("escrow_webhooks", []byte("not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestNotificationFallback_Escalate(t *testing.T) {
	mockWebhookConfig("")
	var (
		event  string
		notice notification.FallbackNotice
	)
	notification.RegisterWebhookSender(func(e string, payload interface{}) error {
		event = e
		notice = payload.(notification.FallbackNotice)
		return nil
	})
	t.Cleanup(func() { notification.RegisterWebhookSender(nil) })

	task := &model.FilingTask{
		ID:        "fil_9",
		OrgID:     "org-1",
		Kind:      model.FilingStatement,
		Status:    model.FilingFailed,
		Attempts:  3,
		UpdatedAt: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, notificationFallback{}.Escalate(context.Background(), task, "regulator unavailable"))

	assert.Equal(t, notification.EventManualFallback, event)
	assert.Equal(t, "fil_9", notice.FilingID)
	assert.Equal(t, string(model.FilingFailed), notice.Status)
	assert.Equal(t, 3, notice.Attempts)
	assert.Equal(t, "regulator unavailable", notice.Reason)
}
