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

package apierror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/apgms/escrow/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	details := errors.New("connection reset")
	apiErr := apierror.NewAPIError(apierror.ErrInternalServer, "Failed to append journal entry", details)

	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
	assert.Equal(t, "Failed to append journal entry", apiErr.Message)
	assert.Equal(t, details, apiErr.Details)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: Failed to append journal entry", apiErr.Error())
	assert.ErrorIs(t, apiErr, details)
}

func TestNewViolation(t *testing.T) {
	err := apierror.NewViolation(apierror.ErrPolicyViolation, apierror.ReasonUntrustedSource, "source UNKNOWN_APP is not allowed")

	assert.Equal(t, "POLICY_VIOLATION(designated_untrusted_source): source UNKNOWN_APP is not allowed", err.Error())
	wrapped := fmt.Errorf("credit: %w", err)
	assert.True(t, apierror.Is(wrapped, apierror.ErrPolicyViolation))
	assert.False(t, apierror.Is(wrapped, apierror.ErrNotFound))
	assert.Equal(t, apierror.ReasonUntrustedSource, apierror.ReasonOf(wrapped))
	assert.True(t, apierror.IsTerminal(wrapped))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, apierror.IsTerminal(errors.New("boom")))
	assert.False(t, apierror.IsTerminal(apierror.NewAPIError(apierror.ErrConflict, "retry", nil)))
	assert.True(t, apierror.IsTerminal(apierror.NewAPIError(apierror.ErrUnbalancedEntry, "unbalanced", nil)))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "NotFound Error",
			err:      apierror.NewAPIError(apierror.ErrNotFound, "Resource not found", nil),
			expected: http.StatusNotFound,
		},
		{
			name:     "Account not found",
			err:      apierror.NewViolation(apierror.ErrAccountNotFound, apierror.ReasonAccountNotFound, "missing"),
			expected: http.StatusNotFound,
		},
		{
			name:     "Conflict Error",
			err:      apierror.NewAPIError(apierror.ErrConflict, "Conflict occurred", nil),
			expected: http.StatusConflict,
		},
		{
			name:     "Unbalanced entry",
			err:      apierror.NewAPIError(apierror.ErrUnbalancedEntry, "Postings do not net to zero", nil),
			expected: http.StatusBadRequest,
		},
		{
			name:     "Policy violation",
			err:      apierror.NewViolation(apierror.ErrPolicyViolation, apierror.ReasonUntrustedSource, "denied"),
			expected: http.StatusForbidden,
		},
		{
			name:     "InternalServerError",
			err:      apierror.NewAPIError(apierror.ErrInternalServer, "Internal server error", nil),
			expected: http.StatusInternalServerError,
		},
		{
			name:     "Unknown Error",
			err:      errors.New("Unknown error"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statusCode := apierror.MapErrorToHTTPStatus(tt.err)
			assert.Equal(t, tt.expected, statusCode)
		})
	}
}
