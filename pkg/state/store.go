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

// Package state holds the single source of truth for the discovery,
// connection and auth state machine. Every other component mutates it
// through setters and observes it through per-field subscriptions; nothing
// reads the transport directly.
package state

import (
	"sync"
	"time"

	"github.com/carverauto/giro-handheld/pkg/events"
	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
)

// DefaultHistoryLimit bounds the remembered-endpoint list.
const DefaultHistoryLimit = 10

// Change carries the old and new value of a field transition.
type Change[T any] struct {
	Old T
	New T
}

// LastError is the most recent classified failure.
type LastError struct {
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"message"`
	At      time.Time        `json:"at"`
}

// Snapshot is a consistent copy of every store field.
type Snapshot struct {
	ConnectionState  models.ConnectionState
	LastError        *LastError
	SelectedEndpoint *models.DiscoveredEndpoint
	Endpoints        []models.DiscoveredEndpoint
	Session          *models.AuthSession
	History          []models.ConnectionHistoryEntry
}

// Store is the connection state store.
type Store struct {
	mu           sync.RWMutex
	connState    models.ConnectionState
	lastError    *LastError
	selected     *models.DiscoveredEndpoint
	endpoints    []models.DiscoveredEndpoint
	session      *models.AuthSession
	history      []models.ConnectionHistoryEntry
	historyLimit int

	stateChanged   *events.Notifier[Change[models.ConnectionState]]
	tokenChanged   *events.Notifier[Change[string]]
	sessionChanged *events.Notifier[Change[*models.AuthSession]]
	errorChanged   *events.Notifier[Change[*LastError]]

	logger logger.Logger
}

// NewStore creates a store in the disconnected state.
func NewStore(historyLimit int, log logger.Logger) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Store{
		connState:      models.StateDisconnected,
		historyLimit:   historyLimit,
		stateChanged:   events.NewNotifier[Change[models.ConnectionState]](log),
		tokenChanged:   events.NewNotifier[Change[string]](log),
		sessionChanged: events.NewNotifier[Change[*models.AuthSession]](log),
		errorChanged:   events.NewNotifier[Change[*LastError]](log),
		logger:         log,
	}
}

// ConnectionState returns the current state.
func (s *Store) ConnectionState() models.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.connState
}

// SetConnectionState commits a transition and notifies subscribers.
// Only the connection manager and session controller call this.
func (s *Store) SetConnectionState(next models.ConnectionState) {
	s.mu.Lock()

	prev := s.connState
	if prev == next {
		s.mu.Unlock()
		return
	}

	s.connState = next
	s.mu.Unlock()

	s.logger.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Connection state changed")

	s.stateChanged.Notify(Change[models.ConnectionState]{Old: prev, New: next})
}

// OnConnectionStateChange subscribes to state transitions.
func (s *Store) OnConnectionStateChange(fn func(Change[models.ConnectionState])) func() {
	return s.stateChanged.Subscribe(fn)
}

// LastError returns the most recent classified failure, if any.
func (s *Store) LastError() *LastError {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastError
}

// SetLastError records a classified failure.
func (s *Store) SetLastError(code models.ErrorCode, message string) {
	s.mu.Lock()
	prev := s.lastError
	next := &LastError{Code: code, Message: message, At: time.Now()}
	s.lastError = next
	s.mu.Unlock()

	s.errorChanged.Notify(Change[*LastError]{Old: prev, New: next})
}

// ClearLastError resets the failure field.
func (s *Store) ClearLastError() {
	s.mu.Lock()
	prev := s.lastError
	s.lastError = nil
	s.mu.Unlock()

	if prev != nil {
		s.errorChanged.Notify(Change[*LastError]{Old: prev, New: nil})
	}
}

// OnErrorChange subscribes to last-error updates.
func (s *Store) OnErrorChange(fn func(Change[*LastError])) func() {
	return s.errorChanged.Subscribe(fn)
}

// SelectedEndpoint returns the endpoint the manager is bound to.
func (s *Store) SelectedEndpoint() *models.DiscoveredEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneEndpoint(s.selected)
}

// SetSelectedEndpoint records the endpoint chosen for connection.
func (s *Store) SetSelectedEndpoint(endpoint *models.DiscoveredEndpoint) {
	s.mu.Lock()
	s.selected = cloneEndpoint(endpoint)
	s.mu.Unlock()
}

// Endpoints returns the latest discovery snapshot.
func (s *Store) Endpoints() []models.DiscoveredEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DiscoveredEndpoint, len(s.endpoints))
	copy(out, s.endpoints)

	return out
}

// SetEndpoints replaces the discovery snapshot.
func (s *Store) SetEndpoints(endpoints []models.DiscoveredEndpoint) {
	s.mu.Lock()
	s.endpoints = make([]models.DiscoveredEndpoint, len(endpoints))
	copy(s.endpoints, endpoints)
	s.mu.Unlock()
}

// Session returns the current auth session, nil when unauthenticated.
func (s *Store) Session() *models.AuthSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneSession(s.session)
}

// Token returns the current bearer token, empty when unauthenticated.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return ""
	}

	return s.session.Token
}

// SetSession replaces the auth session. A token difference additionally
// fires the token-change subscription that drives durable token sync.
func (s *Store) SetSession(session *models.AuthSession) {
	s.mu.Lock()

	prev := s.session
	s.session = cloneSession(session)

	prevToken := ""
	if prev != nil {
		prevToken = prev.Token
	}

	nextToken := ""
	if session != nil {
		nextToken = session.Token
	}
	s.mu.Unlock()

	s.sessionChanged.Notify(Change[*models.AuthSession]{Old: prev, New: cloneSession(session)})

	if prevToken != nextToken {
		s.tokenChanged.Notify(Change[string]{Old: prevToken, New: nextToken})
	}
}

// OnSessionChange subscribes to session updates.
func (s *Store) OnSessionChange(fn func(Change[*models.AuthSession])) func() {
	return s.sessionChanged.Subscribe(fn)
}

// OnTokenChange subscribes to bearer token updates. The durable token
// sync worker is the intended (single) consumer.
func (s *Store) OnTokenChange(fn func(Change[string])) func() {
	return s.tokenChanged.Subscribe(fn)
}

// History returns the remembered-endpoint list, most recent first.
func (s *Store) History() []models.ConnectionHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ConnectionHistoryEntry, len(s.history))
	copy(out, s.history)

	return out
}

// SetHistory replaces the history list, applying the eviction limit.
func (s *Store) SetHistory(entries []models.ConnectionHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = make([]models.ConnectionHistoryEntry, len(entries))
	copy(s.history, entries)
	s.evictLocked()
}

// AddHistoryEntry appends or updates the entry for endpoint, bumping its
// counter and last-connected time. The oldest entry by last-connected is
// evicted past the limit.
func (s *Store) AddHistoryEntry(endpoint models.DiscoveredEndpoint, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.history {
		if s.history[i].Endpoint.ID == endpoint.ID {
			s.history[i].Endpoint = endpoint
			s.history[i].LastConnected = at
			s.history[i].TimesConnected++

			return
		}
	}

	s.history = append(s.history, models.ConnectionHistoryEntry{
		Endpoint:       endpoint,
		LastConnected:  at,
		TimesConnected: 1,
	})

	s.evictLocked()
}

func (s *Store) evictLocked() {
	for len(s.history) > s.historyLimit {
		oldest := 0

		for i := range s.history {
			if s.history[i].LastConnected.Before(s.history[oldest].LastConnected) {
				oldest = i
			}
		}

		s.history = append(s.history[:oldest], s.history[oldest+1:]...)
	}
}

// Snapshot returns a consistent copy of all fields.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoints := make([]models.DiscoveredEndpoint, len(s.endpoints))
	copy(endpoints, s.endpoints)

	history := make([]models.ConnectionHistoryEntry, len(s.history))
	copy(history, s.history)

	return Snapshot{
		ConnectionState:  s.connState,
		LastError:        s.lastError,
		SelectedEndpoint: cloneEndpoint(s.selected),
		Endpoints:        endpoints,
		Session:          cloneSession(s.session),
		History:          history,
	}
}

// Reset restores all fields to their initial values. Used at logout and in
// tests. Subscribers are notified of the state and token transitions.
func (s *Store) Reset() {
	s.mu.Lock()
	prevState := s.connState
	prevSession := s.session

	s.connState = models.StateDisconnected
	s.lastError = nil
	s.selected = nil
	s.endpoints = nil
	s.session = nil
	s.history = nil
	s.mu.Unlock()

	if prevState != models.StateDisconnected {
		s.stateChanged.Notify(Change[models.ConnectionState]{Old: prevState, New: models.StateDisconnected})
	}

	if prevSession != nil {
		s.sessionChanged.Notify(Change[*models.AuthSession]{Old: prevSession, New: nil})

		if prevSession.Token != "" {
			s.tokenChanged.Notify(Change[string]{Old: prevSession.Token, New: ""})
		}
	}
}

func cloneEndpoint(e *models.DiscoveredEndpoint) *models.DiscoveredEndpoint {
	if e == nil {
		return nil
	}

	c := *e

	return &c
}

func cloneSession(s *models.AuthSession) *models.AuthSession {
	if s == nil {
		return nil
	}

	c := *s

	return &c
}
