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

// ConnectionState is the single active state of the discovery/connection/auth
// state machine. Transitions are driven only by the connection manager and
// session controller, never by UI code.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateDiscovering   ConnectionState = "discovering"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateAuthenticated ConnectionState = "authenticated"
	StateReconnecting  ConnectionState = "reconnecting"
	StateError         ConnectionState = "error"
)

func (s ConnectionState) String() string {
	return string(s)
}

// Live reports whether the transport is usable for requests in this state.
func (s ConnectionState) Live() bool {
	return s == StateConnected || s == StateAuthenticated
}
