/*
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
	"fmt"
	"net/http"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/notification"
	"github.com/apgms/escrow/internal/request"
	"github.com/apgms/escrow/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// processHTTP posts the webhook to the configured endpoint with the configured headers.
func processHTTP(ctx context.Context, data NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := request.ToJsonReq(data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, payload)
	if err != nil {
		return err
	}
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	if _, err := request.Call(req, nil); err != nil {
		return err
	}
	logrus.Infof("Webhook notification sent: %s", data.Event)
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal webhook payload: %v: %w", err, asynq.SkipRetry)
	}
	return processHTTP(ctx, payload)
}

// notificationFallback escalates through the registered webhook sender and Slack.
type notificationFallback struct{}

func (notificationFallback) Escalate(ctx context.Context, task *model.FilingTask, reason string) error {
	return notification.NotifyManualFallback(ctx, notification.FallbackNotice{
		OrgID:    task.OrgID,
		FilingID: task.ID,
		Kind:     string(task.Kind),
		Status:   string(task.Status),
		Attempts: task.Attempts,
		Reason:   reason,
		At:       task.UpdatedAt,
	})
}
