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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apgms/escrow"
	"github.com/apgms/escrow/api/middleware"
	"github.com/apgms/escrow/config"
	"github.com/apgms/escrow/database/memory"
	"github.com/apgms/escrow/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router *gin.Engine
	escrow *escrow.Escrow
	store  *memory.Store
	orgID  string
}

func setupRouter(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	e := escrow.NewEscrow(store)
	a := NewAPI(e, &config.Configuration{ProjectName: "apgms-test"})
	require.NotNil(t, a)
	return &testEnv{router: a.Router(), escrow: e, store: store, orgID: "org-" + gofakeit.UUID()}
}

func (env *testEnv) get(t *testing.T, route string, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, route, nil)
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (env *testEnv) fundedAccount(t *testing.T, cents int64) *model.DesignatedAccount {
	t.Helper()
	ctx := context.Background()
	account, err := env.escrow.OpenDesignatedAccount(ctx, env.orgID, model.LiabilityPAYGW, true, "tester")
	require.NoError(t, err)
	_, err = env.escrow.CreditTransfer(ctx, model.CreditRequest{
		OrgID: env.orgID, AccountID: account.ID, AmountCents: cents, Source: "PAYROLL_CAPTURE", DedupeID: gofakeit.UUID(),
	})
	require.NoError(t, err)
	return account
}

func TestHealth(t *testing.T) {
	env := setupRouter(t)
	var body string
	resp := env.get(t, "/", &body)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "server running...", body)
}

func TestGetEvidence(t *testing.T) {
	env := setupRouter(t)
	env.fundedAccount(t, 640)

	result, err := env.escrow.Reconcile(context.Background(), env.orgID, "auditor")
	require.NoError(t, err)

	var body struct {
		Artifact    model.EvidenceArtifact `json:"artifact"`
		IntegrityOK bool                   `json:"integrity_ok"`
	}
	resp := env.get(t, "/evidence/"+result.ArtifactID, &body)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, body.IntegrityOK)
	assert.Equal(t, result.SHA256, body.Artifact.SHA256)
	assert.Equal(t, model.InternalEvidenceLocator(result.ArtifactID), body.Artifact.ImmutableURI)

	var missing map[string]interface{}
	resp = env.get(t, "/evidence/evd_missing", &missing)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "NOT_FOUND", missing["code"])
}

func TestVerifyJournal(t *testing.T) {
	env := setupRouter(t)
	env.fundedAccount(t, 100)

	var report chainReport
	resp := env.get(t, "/orgs/"+env.orgID+"/journal/verify", &report)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, report.Valid)
	assert.Nil(t, report.Break)

	env.store.TamperJournalEntry(env.orgID, 1, func(e *model.JournalEntry) { e.Postings[0].Memo = "edited" })

	report = chainReport{}
	resp = env.get(t, "/orgs/"+env.orgID+"/journal/verify", &report)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, report.Valid)
	require.NotNil(t, report.Break)
	assert.Equal(t, int64(1), report.Break.Sequence)
	assert.Equal(t, model.BreakHashMismatch, report.Break.Reason)
}

func TestVerifyAudit(t *testing.T) {
	env := setupRouter(t)
	env.fundedAccount(t, 100)

	var report chainReport
	resp := env.get(t, "/orgs/"+env.orgID+"/audit/verify", &report)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, report.Valid)
	assert.Equal(t, env.orgID, report.OrgID)
}

func TestGetFiling(t *testing.T) {
	env := setupRouter(t)
	task, _, err := env.escrow.CreateFilingTask(context.Background(), model.FilingRequest{
		OrgID: env.orgID, Kind: model.FilingWithholding, ReferenceID: "pr-1", WithholdingCents: 700,
	})
	require.NoError(t, err)

	var body model.FilingTask
	resp := env.get(t, "/filings/"+task.ID, &body)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, model.FilingPending, body.Status)
	assert.Equal(t, int64(700), body.WithholdingCents)

	resp = env.get(t, "/filings/fil_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestNewAPI_SecureUsesGivenKey(t *testing.T) {
	e := escrow.NewEscrow(memory.New())
	router := NewAPI(e, &config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: "k-123"}}).Router()

	call := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/filings/fil_missing", nil)
		if key != "" {
			req.Header.Set(middleware.KeyHeader, key)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		return resp.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("k-999"))
	assert.Equal(t, http.StatusNotFound, call("k-123"))
}
