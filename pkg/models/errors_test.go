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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetriableCodes(t *testing.T) {
	retriable := []ErrorCode{
		ErrCodeConnectionTimeout,
		ErrCodeConnectionRefused,
		ErrCodeNetworkUnavailable,
		ErrCodeServerUnreachable,
	}

	for _, code := range retriable {
		assert.True(t, code.Retriable(), string(code))
	}

	terminal := []ErrorCode{
		ErrCodeAuthFailed,
		ErrCodeValidationRejected,
		ErrCodeDiscoveryTimeout,
		ErrCodeDiscoveryFailed,
		ErrCodeUnknown,
	}

	for _, code := range terminal {
		assert.False(t, code.Retriable(), string(code))
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := NewConnError(ErrCodeAuthFailed, "wrong pin", nil)
	wrapped := fmt.Errorf("login: %w", inner)

	assert.Equal(t, ErrCodeAuthFailed, CodeOf(wrapped))
	assert.Equal(t, ErrCodeUnknown, CodeOf(errors.New("untagged")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestConnErrorMessage(t *testing.T) {
	err := NewConnError(ErrCodeConnectionRefused, "connect ECONNREFUSED", nil)
	assert.Equal(t, "CONNECTION_REFUSED: connect ECONNREFUSED", err.Error())

	cause := errors.New("boom")
	wrapped := NewConnError(ErrCodeUnknown, "", cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestClassifyNetError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeConnectionTimeout},
		{"refused", errors.New("dial tcp 127.0.0.1:3847: connect: connection refused"), ErrCodeConnectionRefused},
		{"no route", errors.New("dial tcp 10.0.0.9:3847: connect: no route to host"), ErrCodeNetworkUnavailable},
		{"dns", errors.New("dial tcp: lookup desk.local: no such host"), ErrCodeServerUnreachable},
		{"tagged passthrough", NewConnError(ErrCodeAuthFailed, "", nil), ErrCodeAuthFailed},
		{"unmatched", errors.New("weird"), ErrCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyNetError(tt.err))
		})
	}
}

func TestActionKindStreams(t *testing.T) {
	assert.Equal(t, StreamCounts, ActionCountSubmit.Stream())
	assert.Equal(t, StreamRequests, ActionRequestApprove.Stream())
	assert.Equal(t, StreamTransfers, ActionTransferReceive.Stream())
	assert.Equal(t, "custom.op", ActionKind("custom.op").Stream())
}
