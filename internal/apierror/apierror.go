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

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	ErrUnbalancedEntry      ErrorCode = "UNBALANCED_ENTRY"
	ErrInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	ErrPolicyViolation      ErrorCode = "POLICY_VIOLATION"
	ErrDepositOnlyViolation ErrorCode = "DEPOSIT_ONLY_VIOLATION"
	ErrAccountNotFound      ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrAccountLocked        ErrorCode = "ACCOUNT_LOCKED"
	ErrInsufficientBalance  ErrorCode = "INSUFFICIENT_BALANCE"
)

// Machine-readable reasons carried next to a code.
const (
	ReasonUntrustedSource    = "designated_untrusted_source"
	ReasonWithdrawalAttempt  = "designated_withdrawal_attempt"
	ReasonAccountLocked      = "designated_account_locked"
	ReasonAccountNotFound    = "designated_account_not_found"
	ReasonSettlementNotFiled = "designated_settlement_not_filed"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes an underlying error stored in Details.
func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewViolation builds a business rule error with a machine-readable reason. It is not logged
// here since violations are expected outcomes and are recorded in the audit trail instead.
func NewViolation(code ErrorCode, reason, message string) APIError {
	return APIError{Code: code, Reason: reason, Message: message}
}

// Is reports whether err carries code.
func Is(err error, code ErrorCode) bool {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// ReasonOf returns the machine-readable reason of err, or "" when there is none.
func ReasonOf(err error) string {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// IsTerminal reports whether err is a caller or policy error that must not be retried with
// the same input.
func IsTerminal(err error) bool {
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case ErrInternalServer, ErrConflict:
		return false
	default:
		return true
	}
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound, ErrAccountNotFound:
			return http.StatusNotFound
		case ErrConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrUnbalancedEntry, ErrInvalidAmount:
			return http.StatusBadRequest
		case ErrPolicyViolation, ErrDepositOnlyViolation, ErrAccountLocked:
			return http.StatusForbidden
		case ErrInsufficientBalance:
			return http.StatusUnprocessableEntity
		case ErrInternalServer:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
