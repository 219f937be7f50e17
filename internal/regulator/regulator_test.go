package regulator

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/internal/request"
	"github.com/apgms/escrow/model"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const baseURL = "https://regulator.test"

func newMockedClient(t *testing.T, maxRetries uint64) *Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewWithHTTPClient(baseURL, "escrow-test/1.0", maxRetries, httpClient)
}

func TestSubmitWithholdingFiling_Accepted(t *testing.T) {
	client := newMockedClient(t, 0)

	httpmock.RegisterResponder(http.MethodPost, baseURL+"/v1/withholding/pay-runs/run-7/submissions",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "fil_1", req.Header.Get("Idempotency-Key"))
			assert.Equal(t, "escrow-test/1.0", req.Header.Get("User-Agent"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "run-7", body["payRunId"])
			return httpmock.NewJsonResponse(http.StatusOK, map[string]string{
				"status":       "ACCEPTED",
				"submissionId": "sub-123",
				"receivedAt":   "2024-07-01T00:00:00Z",
			})
		})

	receipt, err := client.SubmitWithholdingFiling(context.Background(), "fil_1", "run-7", json.RawMessage(`{"gross":100}`))
	require.NoError(t, err)
	assert.Equal(t, model.RegulatorAccepted, receipt.Status)
	assert.Equal(t, "sub-123", receipt.SubmissionID)
	require.NotNil(t, receipt.ReceivedAt)
}

func TestSubmitStatementFiling_RetriesServerErrors(t *testing.T) {
	client := newMockedClient(t, 2)

	url := baseURL + "/v1/statements/periods/2024-Q3/lodgements"
	httpmock.RegisterResponder(http.MethodPost, url,
		httpmock.ResponderFromMultipleResponses([]*http.Response{
			httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"),
			httpmock.NewStringResponse(http.StatusTooManyRequests, "slow down"),
			httpmock.NewStringResponse(http.StatusOK, `{"status":"NEEDS_MANUAL_REVIEW","receiptReference":"R-9"}`),
		}))

	receipt, err := client.SubmitStatementFiling(context.Background(), "fil_2", "2024-Q3", nil)
	require.NoError(t, err)
	assert.Equal(t, model.RegulatorNeedsManualReview, receipt.Status)
	assert.Equal(t, "R-9", receipt.ReceiptReference)
	assert.Equal(t, 3, httpmock.GetCallCountInfo()["POST "+url])
}

func TestSubmitWithholdingFiling_ClientErrorIsNotRetried(t *testing.T) {
	client := newMockedClient(t, 3)

	url := baseURL + "/v1/withholding/pay-runs/run-8/submissions"
	httpmock.RegisterResponder(http.MethodPost, url, httpmock.NewStringResponder(http.StatusUnprocessableEntity, "bad abn"))

	_, err := client.SubmitWithholdingFiling(context.Background(), "fil_3", "run-8", nil)
	require.Error(t, err)

	var statusErr *request.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST "+url])
}

func TestNew_FetchesClientCredentialsToken(t *testing.T) {
	transport := &http.Client{}
	httpmock.ActivateNonDefault(transport)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://auth.test/token",
		httpmock.NewStringResponder(http.StatusOK, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	httpmock.RegisterResponder(http.MethodPost, baseURL+"/v1/withholding/pay-runs/run-9/submissions",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{"status":"ACCEPTED","submissionId":"sub-9"}`), nil
		})

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, transport)
	client := New(ctx, config.RegulatorConfig{
		BaseURL:      baseURL,
		TokenURL:     "https://auth.test/token",
		ClientID:     "client",
		ClientSecret: "secret",
		UserAgent:    "escrow-test/1.0",
		TimeoutSec:   5,
	})

	receipt, err := client.SubmitWithholdingFiling(context.Background(), "fil_4", "run-9", nil)
	require.NoError(t, err)
	assert.Equal(t, "sub-9", receipt.SubmissionID)
}
