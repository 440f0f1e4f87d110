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

// Package storage provides the durable device key-value store. It is the
// only state shared with process restarts; every write replaces the whole
// value so a crash never leaves a torn entry.
package storage

import (
	"context"
)

// Well-known storage keys.
const (
	KeyAuthToken         = "auth_token"
	KeyDeviceID          = "device_id"
	KeyConnectionHistory = "connection_history"
	// Pending actions are stored one entry per key under this prefix so a
	// single action update never rewrites the whole queue.
	KeyPendingActionPrefix = "pending_action/"
)

// Store defines the durable key-value store interface.
type Store interface {
	// Get retrieves the value associated with the given key.
	// Returns the value, a boolean indicating if the key was found, and an
	// error if the operation fails.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a value under the given key, replacing any previous value
	// as a single atomic operation.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the key and its associated value from the store.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close shuts down the store, releasing any resources.
	Close() error
}
