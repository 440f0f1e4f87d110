/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode classifies connection, discovery and sync failures. Codes are
// surfaced through the state store's last-error field and recorded on
// pending actions; raw transport errors never reach UI code unclassified.
type ErrorCode string

const (
	ErrCodeDiscoveryTimeout   ErrorCode = "DISCOVERY_TIMEOUT"
	ErrCodeDiscoveryFailed    ErrorCode = "DISCOVERY_FAILED"
	ErrCodeConnectionRefused  ErrorCode = "CONNECTION_REFUSED"
	ErrCodeConnectionTimeout  ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrCodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrCodeServerUnreachable  ErrorCode = "SERVER_UNREACHABLE"
	ErrCodeValidationRejected ErrorCode = "VALIDATION_REJECTED"
	ErrCodeUnknown            ErrorCode = "UNKNOWN_ERROR"
)

// Retriable reports whether an attempt that failed with this code may be
// retried with backoff. Auth and validation rejections are terminal for the
// attempt and require operator action.
func (c ErrorCode) Retriable() bool {
	switch c {
	case ErrCodeConnectionTimeout, ErrCodeConnectionRefused,
		ErrCodeNetworkUnavailable, ErrCodeServerUnreachable:
		return true
	default:
		return false
	}
}

// ConnError is an error carrying its taxonomy code.
type ConnError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ConnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}

	return string(e.Code)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// NewConnError wraps err with a taxonomy code and optional message.
func NewConnError(code ErrorCode, message string, err error) *ConnError {
	return &ConnError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Unclassified errors map to UNKNOWN_ERROR.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Code
	}

	return ErrCodeUnknown
}

// ClassifyNetError maps a raw dial/request error into the taxonomy.
func ClassifyNetError(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeConnectionTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrCodeConnectionTimeout
	}

	msg := err.Error()

	switch {
	case strings.Contains(msg, "connection refused"):
		return ErrCodeConnectionRefused
	case strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return ErrCodeNetworkUnavailable
	case strings.Contains(msg, "no such host"),
		strings.Contains(msg, "i/o timeout"):
		return ErrCodeServerUnreachable
	default:
		return ErrCodeUnknown
	}
}
