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

package notification

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/request"
	"github.com/sirupsen/logrus"
)

// EventManualFallback is the webhook event emitted when a filing needs a human.
const EventManualFallback = "filing.manual_fallback"

// WebhookSender delivers an event to the configured webhook endpoint. The engine registers
// its queue-backed sender at start-up.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func registeredSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

// FallbackNotice is the human-readable escalation attached to a filing that left the
// automatic path.
type FallbackNotice struct {
	OrgID    string    `json:"org_id"`
	FilingID string    `json:"filing_id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

// SlackNotification posts a header and a list of markdown fields to a Slack webhook.
func SlackNotification(ctx context.Context, webhookURL, header string, fields ...string) error {
	msg := slackMessage{Blocks: []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: header}},
	}}
	section := slackBlock{Type: "section"}
	for _, f := range fields {
		section.Fields = append(section.Fields, slackText{Type: "mrkdwn", Text: f})
	}
	section.Fields = append(section.Fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%v", time.Now().Format(time.RFC822))})
	msg.Blocks = append(msg.Blocks, section)

	payload, err := request.ToJsonReq(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, payload)
	if err != nil {
		return err
	}
	_, err = request.Call(req, nil)
	return err
}

func slackURL() string {
	conf, err := config.Fetch()
	if err != nil {
		return ""
	}
	return conf.Notification.Slack.WebhookUrl
}

// NotifyError logs the error and, when Slack is configured, posts it asynchronously.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		if url := slackURL(); url != "" {
			if err := SlackNotification(context.Background(), url, "Error From APGMS Escrow 🐞", fmt.Sprintf("*Error:*\n%v", systemError)); err != nil {
				logrus.Errorf("slack notification failed: %v", err)
			}
		}
	}(systemError)
}

// NotifyManualFallback hands the notice to the registered webhook sender and posts it to
// Slack. The webhook error is returned; Slack failures are only logged.
func NotifyManualFallback(ctx context.Context, notice FallbackNotice) error {
	logrus.WithFields(logrus.Fields{
		"org_id":    notice.OrgID,
		"filing_id": notice.FilingID,
		"status":    notice.Status,
		"attempts":  notice.Attempts,
	}).Warnf("manual fallback: %s", notice.Reason)

	var sendErr error
	if sender := registeredSender(); sender != nil {
		sendErr = sender(EventManualFallback, notice)
	}

	if url := slackURL(); url != "" {
		err := SlackNotification(ctx, url, "Filing needs manual lodgement",
			fmt.Sprintf("*Org:*\n%s", notice.OrgID),
			fmt.Sprintf("*Filing:*\n%s (%s)", notice.FilingID, notice.Kind),
			fmt.Sprintf("*Status:*\n%s after %d attempts", notice.Status, notice.Attempts),
			fmt.Sprintf("*Reason:*\n%s", notice.Reason),
		)
		if err != nil {
			logrus.Errorf("slack notification failed: %v", err)
		}
	}
	return sendErr
}
