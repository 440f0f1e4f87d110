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

package conn

import (
	"time"

	"github.com/carverauto/giro-handheld/pkg/models"
)

const (
	defaultMaxReconnectAttempts    = 5
	defaultReconnectDelay          = 2 * time.Second
	defaultMaxReconnectDelay       = 60 * time.Second
	defaultHeartbeatInterval       = 15 * time.Second
	defaultHeartbeatMisses         = 3
	defaultRequestTimeout          = 10 * time.Second
	defaultConsecutiveTimeoutLimit = 3

	backoffMultiplier    = 1.6
	backoffRandomization = 0.2
)

// Config tunes the connection manager's reconnect and heartbeat policy.
type Config struct {
	MaxReconnectAttempts    int             `json:"max_reconnect_attempts"`
	ReconnectDelay          models.Duration `json:"reconnect_delay"`
	MaxReconnectDelay       models.Duration `json:"max_reconnect_delay"`
	HeartbeatInterval       models.Duration `json:"heartbeat_interval"`
	HeartbeatMisses         int             `json:"heartbeat_misses"`
	RequestTimeout          models.Duration `json:"request_timeout"`
	ConsecutiveTimeoutLimit int             `json:"consecutive_timeout_limit"`
}

// Validate implements config.Validator and fills in defaults.
func (c *Config) Validate() error {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = models.Duration(defaultReconnectDelay)
	}

	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = models.Duration(defaultMaxReconnectDelay)
	}

	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = models.Duration(defaultHeartbeatInterval)
	}

	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = defaultHeartbeatMisses
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = models.Duration(defaultRequestTimeout)
	}

	if c.ConsecutiveTimeoutLimit <= 0 {
		c.ConsecutiveTimeoutLimit = defaultConsecutiveTimeoutLimit
	}

	return nil
}
