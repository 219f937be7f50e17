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

// Package regulator is the HTTPS client of the tax authority filing API.
package regulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/request"
	"github.com/apgms/escrow/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	withholdingPath = "/v1/withholding/pay-runs/%s/submissions"
	statementPath   = "/v1/statements/periods/%s/lodgements"
)

type Client struct {
	baseURL    string
	userAgent  string
	maxRetries uint64
	httpClient *http.Client
}

// New builds a client whose transport fetches and refreshes OAuth2 client-credential tokens.
func New(ctx context.Context, cfg config.RegulatorConfig) *Client {
	creds := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	if cfg.Scope != "" {
		creds.Scopes = strings.Fields(cfg.Scope)
	}
	httpClient := creds.Client(ctx)
	httpClient.Timeout = time.Duration(cfg.TimeoutSec) * time.Second
	return NewWithHTTPClient(cfg.BaseURL, cfg.UserAgent, uint64(cfg.MaxRetries), httpClient)
}

func NewWithHTTPClient(baseURL, userAgent string, maxRetries uint64, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		maxRetries: maxRetries,
		httpClient: httpClient,
	}
}

type withholdingSubmission struct {
	PayRunID string          `json:"payRunId"`
	Filing   json.RawMessage `json:"filing,omitempty"`
}

type statementLodgement struct {
	PeriodID string          `json:"periodId"`
	Filing   json.RawMessage `json:"filing,omitempty"`
}

func (c *Client) SubmitWithholdingFiling(ctx context.Context, idempotencyKey, payRunID string, payload json.RawMessage) (*model.WithholdingReceipt, error) {
	receipt := &model.WithholdingReceipt{}
	path := fmt.Sprintf(withholdingPath, url.PathEscape(payRunID))
	if err := c.post(ctx, path, idempotencyKey, withholdingSubmission{PayRunID: payRunID, Filing: payload}, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *Client) SubmitStatementFiling(ctx context.Context, idempotencyKey, periodID string, payload json.RawMessage) (*model.StatementReceipt, error) {
	receipt := &model.StatementReceipt{}
	path := fmt.Sprintf(statementPath, url.PathEscape(periodID))
	if err := c.post(ctx, path, idempotencyKey, statementLodgement{PeriodID: periodID, Filing: payload}, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// post sends body and decodes a 2xx answer into out. Transport failures, 429 and 5xx are retried
// with the same idempotency key; any other status is returned as a *request.StatusError.
func (c *Client) post(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := json.Unmarshal(raw, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decoding regulator response: %w", err))
			}
			return nil
		}

		statusErr := &request.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	notify := func(err error, wait time.Duration) {
		logrus.WithField("idempotency_key", idempotencyKey).Warnf("regulator call failed, retrying in %s: %v", wait, err)
	}
	return backoff.RetryNotify(operation, retry, notify)
}
