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
	"fmt"
	"time"
)

// DiscoveredEndpoint represents a desktop service found on the local network.
// ID is the mDNS service instance name and is the identity of the endpoint:
// re-resolution of the same name updates the existing entry in place.
type DiscoveredEndpoint struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Host     string    `json:"host"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	Version  string    `json:"version,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Addr returns the host:port dial target for the endpoint.
func (e *DiscoveredEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// ConnectionHistoryEntry remembers a previously connected endpoint so the
// operator can reconnect without a new discovery pass.
type ConnectionHistoryEntry struct {
	Endpoint       DiscoveredEndpoint `json:"endpoint"`
	LastConnected  time.Time          `json:"last_connected"`
	TimesConnected int                `json:"times_connected"`
}
