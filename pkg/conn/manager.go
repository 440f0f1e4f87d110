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

// Package conn owns the transport to exactly one desktop endpoint and
// drives the connect/reconnect/heartbeat policy. Every state transition
// is committed to the state store; nothing else touches the socket.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
	"github.com/carverauto/giro-handheld/pkg/state"
	"github.com/carverauto/giro-handheld/pkg/transport"
)

var (
	// ErrNotConnected indicates a request was attempted without a live
	// transport.
	ErrNotConnected = errors.New("not connected to a desktop endpoint")
	// ErrNoEndpoint indicates no endpoint is selected for reconnection.
	ErrNoEndpoint = errors.New("no endpoint selected")
	// errSuperseded indicates a newer Connect call canceled this attempt.
	errSuperseded = errors.New("connect attempt superseded")
)

// MsgPing is the heartbeat request type.
const MsgPing = "ping"

// Manager owns the single transport connection.
type Manager struct {
	mu                  sync.Mutex
	config              Config
	client              transport.Client
	store               *state.Store
	reach               Reachability
	logger              logger.Logger
	generation          int
	endpoint            *models.DiscoveredEndpoint
	hbCancel            context.CancelFunc
	reconnCancel        context.CancelFunc
	reconnecting        bool
	consecutiveTimeouts int
	closed              bool
	unsubReach          func()
}

// NewManager creates a connection manager bound to the given transport,
// store and reachability monitor. A nil reach assumes always-online.
func NewManager(config Config, client transport.Client, st *state.Store, reach Reachability, log logger.Logger) *Manager {
	_ = config.Validate()

	if reach == nil {
		reach = NewStaticReachability(true, log)
	}

	m := &Manager{
		config: config,
		client: client,
		store:  st,
		reach:  reach,
		logger: log,
	}

	client.OnClose(m.handleSocketClose)
	m.unsubReach = reach.OnChange(m.handleReachability)

	return m
}

// Connect binds the manager to endpoint and dials it. A Connect while a
// prior attempt is connecting or reconnecting cancels that attempt's
// timers first; at most one attempt is ever in flight.
func (m *Manager) Connect(ctx context.Context, endpoint models.DiscoveredEndpoint) error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return ErrNotConnected
	}

	m.generation++
	gen := m.generation
	m.cancelLoopsLocked()
	ep := endpoint
	m.endpoint = &ep
	m.consecutiveTimeouts = 0
	m.mu.Unlock()

	m.store.SetSelectedEndpoint(&ep)
	m.store.SetConnectionState(models.StateConnecting)

	// Tear down any prior socket so two live connections never coexist.
	_ = m.client.Close()

	if !m.reach.Online() {
		m.store.SetLastError(models.ErrCodeNetworkUnavailable, "device is offline")
		m.enterReconnecting(gen)

		return models.NewConnError(models.ErrCodeNetworkUnavailable, "device is offline", nil)
	}

	m.logger.Info().Str("endpoint", ep.ID).Str("addr", ep.Addr()).Msg("Connecting to desktop")

	err := m.client.Connect(ctx, wsURL(&ep))

	if m.stale(gen) {
		return errSuperseded
	}

	if err != nil {
		code := models.CodeOf(err)
		m.store.SetLastError(code, err.Error())
		m.store.SetConnectionState(models.StateError)

		if code.Retriable() {
			m.enterReconnecting(gen)
		} else {
			m.store.SetConnectionState(models.StateDisconnected)
		}

		return err
	}

	m.mu.Lock()
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()

	m.store.ClearLastError()
	m.store.SetConnectionState(models.StateConnected)

	m.logger.Info().Str("endpoint", ep.ID).Msg("Connected to desktop")

	return nil
}

// Disconnect deliberately tears the connection down and cancels all
// timers. The manager can Connect again afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.cancelLoopsLocked()
	m.endpoint = nil
	m.mu.Unlock()

	_ = m.client.Close()

	m.store.SetSelectedEndpoint(nil)
	m.store.SetConnectionState(models.StateDisconnected)
}

// Close permanently shuts the manager down.
func (m *Manager) Close() {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()
		return
	}

	m.closed = true
	m.generation++
	m.cancelLoopsLocked()
	unsub := m.unsubReach
	m.unsubReach = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	_ = m.client.Close()
}

// Request submits a correlated request over the owned transport. Timeouts
// fail the request locally; only a run of consecutive timeouts tears the
// connection down.
func (m *Manager) Request(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	if !m.store.ConnectionState().Live() {
		return nil, models.NewConnError(models.ErrCodeServerUnreachable, "", ErrNotConnected)
	}

	resp, err := m.client.Request(ctx, msgType, payload)
	if err != nil {
		if models.CodeOf(err) == models.ErrCodeConnectionTimeout {
			m.noteTimeout()
		}

		return nil, err
	}

	m.mu.Lock()
	m.consecutiveTimeouts = 0
	m.mu.Unlock()

	return resp, nil
}

func (m *Manager) noteTimeout() {
	m.mu.Lock()
	m.consecutiveTimeouts++
	count := m.consecutiveTimeouts
	gen := m.generation
	m.mu.Unlock()

	if count >= m.config.ConsecutiveTimeoutLimit {
		m.logger.Warn().Int("timeouts", count).Msg("Consecutive request timeouts exceeded limit")
		m.forceReconnect(gen, models.ErrCodeConnectionTimeout, "consecutive request timeouts")
	}
}

// handleSocketClose reacts to an unexpected transport loss.
func (m *Manager) handleSocketClose(cause error) {
	m.mu.Lock()

	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}

	gen := m.generation
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	if !m.store.ConnectionState().Live() {
		return
	}

	msg := "connection closed"
	if cause != nil {
		msg = cause.Error()
	}

	m.logger.Warn().Err(cause).Msg("Transport closed unexpectedly")
	m.store.SetLastError(models.ErrCodeServerUnreachable, msg)
	m.enterReconnecting(gen)
}

// handleReachability forces reconnecting/queued mode the moment the device
// goes offline, regardless of socket state.
func (m *Manager) handleReachability(online bool) {
	if online {
		return
	}

	m.mu.Lock()

	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}

	gen := m.generation
	hasEndpoint := m.endpoint != nil
	m.mu.Unlock()

	if !hasEndpoint || !m.store.ConnectionState().Live() {
		return
	}

	m.logger.Warn().Msg("Network reachability lost")
	m.store.SetLastError(models.ErrCodeNetworkUnavailable, "device went offline")
	m.forceReconnect(gen, models.ErrCodeNetworkUnavailable, "device went offline")
}

// forceReconnect tears the socket down and enters the reconnect loop.
func (m *Manager) forceReconnect(gen int, code models.ErrorCode, reason string) {
	m.mu.Lock()

	if m.closed || gen != m.generation || m.reconnecting {
		m.mu.Unlock()
		return
	}

	m.stopHeartbeatLocked()
	m.mu.Unlock()

	_ = m.client.Close()

	m.store.SetLastError(code, reason)
	m.enterReconnecting(gen)
}

func (m *Manager) enterReconnecting(gen int) {
	m.mu.Lock()

	if m.closed || gen != m.generation || m.reconnecting {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.reconnCancel = cancel
	m.reconnecting = true
	m.mu.Unlock()

	m.store.SetConnectionState(models.StateReconnecting)

	go m.reconnectLoop(ctx, gen)
}

func (m *Manager) reconnectLoop(ctx context.Context, gen int) {
	defer func() {
		m.mu.Lock()

		if gen == m.generation {
			m.reconnecting = false
			m.reconnCancel = nil
		}
		m.mu.Unlock()
	}()

	bo := newBackOff(m.config)
	attempts := 0

	for {
		delay := bo.NextBackOff()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if m.stale(gen) {
			return
		}

		// Waiting out an offline gap consumes no attempts; the device is
		// simply in queued mode until reachability returns.
		if !m.reach.Online() {
			bo.Reset()
			continue
		}

		m.mu.Lock()
		ep := m.endpoint
		m.mu.Unlock()

		if ep == nil {
			m.store.SetConnectionState(models.StateDisconnected)
			return
		}

		attempts++
		m.logger.Info().
			Int("attempt", attempts).
			Int("max_attempts", m.config.MaxReconnectAttempts).
			Str("endpoint", ep.ID).
			Msg("Reconnect attempt")

		err := m.client.Connect(ctx, wsURL(ep))

		if m.stale(gen) {
			return
		}

		if err == nil {
			m.mu.Lock()
			m.consecutiveTimeouts = 0
			m.reconnecting = false
			m.reconnCancel = nil
			m.startHeartbeatLocked(gen)
			m.mu.Unlock()

			m.store.ClearLastError()
			m.store.SetConnectionState(models.StateConnected)

			m.logger.Info().Str("endpoint", ep.ID).Msg("Reconnected to desktop")

			return
		}

		m.logger.Warn().Err(err).Int("attempt", attempts).Msg("Reconnect attempt failed")
		m.store.SetLastError(models.CodeOf(err), err.Error())

		if attempts >= m.config.MaxReconnectAttempts {
			m.logger.Error().Int("attempts", attempts).Msg("Reconnect attempts exhausted")
			m.store.SetConnectionState(models.StateDisconnected)

			return
		}
	}
}

func (m *Manager) startHeartbeatLocked(gen int) {
	ctx, cancel := context.WithCancel(context.Background())
	m.hbCancel = cancel

	go m.heartbeatLoop(ctx, gen)
}

func (m *Manager) heartbeatLoop(ctx context.Context, gen int) {
	ticker := time.NewTicker(time.Duration(m.config.HeartbeatInterval))
	defer ticker.Stop()

	misses := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.stale(gen) {
			return
		}

		_, err := m.client.Request(ctx, MsgPing, nil)
		if err != nil {
			misses++
			m.logger.Debug().Err(err).Int("misses", misses).Msg("Heartbeat miss")

			if misses >= m.config.HeartbeatMisses {
				m.forceReconnect(gen, models.ErrCodeServerUnreachable, "heartbeat lost")
				return
			}

			continue
		}

		misses = 0
	}
}

func (m *Manager) cancelLoopsLocked() {
	m.stopHeartbeatLocked()

	if m.reconnCancel != nil {
		m.reconnCancel()
		m.reconnCancel = nil
	}

	m.reconnecting = false
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbCancel != nil {
		m.hbCancel()
		m.hbCancel = nil
	}
}

func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed || gen != m.generation
}

func newBackOff(config Config) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(config.ReconnectDelay)
	bo.MaxInterval = time.Duration(config.MaxReconnectDelay)
	bo.Multiplier = backoffMultiplier
	bo.RandomizationFactor = backoffRandomization

	return bo
}

func wsURL(endpoint *models.DiscoveredEndpoint) string {
	return "ws://" + endpoint.Addr() + "/ws"
}
