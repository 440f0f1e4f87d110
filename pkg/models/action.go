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
	"encoding/json"
	"strings"
	"time"
)

// ActionKind enumerates the domain mutations the handheld can queue while
// offline. The kind doubles as the request type sent over the transport.
type ActionKind string

const (
	ActionCountSubmit     ActionKind = "count.submit"
	ActionRequestCreate   ActionKind = "request.create"
	ActionRequestSubmit   ActionKind = "request.submit"
	ActionRequestApprove  ActionKind = "request.approve"
	ActionRequestReject   ActionKind = "request.reject"
	ActionTransferCreate  ActionKind = "transfer.create"
	ActionTransferShip    ActionKind = "transfer.ship"
	ActionTransferReceive ActionKind = "transfer.receive"
)

// Stream names for per-stream FIFO replay. Actions in different streams may
// interleave; actions within a stream are replayed in creation order.
const (
	StreamCounts    = "counts"
	StreamRequests  = "requests"
	StreamTransfers = "transfers"
)

// Stream maps an action kind to its ordering stream.
func (k ActionKind) Stream() string {
	switch {
	case strings.HasPrefix(string(k), "count."):
		return StreamCounts
	case strings.HasPrefix(string(k), "request."):
		return StreamRequests
	case strings.HasPrefix(string(k), "transfer."):
		return StreamTransfers
	default:
		return string(k)
	}
}

// PendingAction is a durably recorded domain mutation awaiting confirmed
// delivery to the desktop. The ID is also the idempotency key the desktop
// uses to deduplicate redelivery.
type PendingAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Synced     bool            `json:"synced"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	Failed     bool            `json:"failed"`
	// NextAttempt gates retries after a recoverable failure.
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}
