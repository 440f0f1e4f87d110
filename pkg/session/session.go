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

// Package session handles operator authentication against the desktop:
// PIN login, logout, session expiry and silent revalidation of a stored
// token after a reconnect. The auth token is mirrored to durable storage
// by a single writer so persisted state never races.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
	"github.com/carverauto/giro-handheld/pkg/state"
	"github.com/carverauto/giro-handheld/pkg/storage"
)

// Auth message types understood by the desktop companion.
const (
	MsgLogin    = "auth.login"
	MsgLogout   = "auth.logout"
	MsgValidate = "auth.validate"
)

var (
	// ErrNotConnected indicates login was attempted without a live connection.
	ErrNotConnected = errors.New("cannot authenticate while disconnected")
	// ErrNotAuthenticated indicates an operation that requires a session.
	ErrNotAuthenticated = errors.New("no authenticated session")
)

// Requester submits a correlated request to the desktop. Satisfied by
// conn.Manager.
type Requester interface {
	Request(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error)
}

type loginRequest struct {
	Pin      string `json:"pin"`
	DeviceID string `json:"device_id"`
}

type loginResponse struct {
	Token     string          `json:"token"`
	Operator  models.Operator `json:"operator"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type validateRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

type logoutRequest struct {
	Token string `json:"token"`
}

// Controller drives the authentication lifecycle for one device.
type Controller struct {
	mu          sync.Mutex
	store       *state.Store
	kv          storage.Store
	rt          Requester
	logger      logger.Logger
	deviceID    string
	syncCh      chan *models.AuthSession
	expiryTimer *time.Timer
	unsubs      []func()
	done        chan struct{}
	closeOnce   sync.Once
	stopped     bool
	cancel      context.CancelFunc
	runCtx      context.Context
	wg          sync.WaitGroup
}

// NewController creates a session controller. Start must be called before
// Login.
func NewController(st *state.Store, kv storage.Store, rt Requester, log logger.Logger) *Controller {
	return &Controller{
		store:  st,
		kv:     kv,
		rt:     rt,
		logger: log,
		syncCh: make(chan *models.AuthSession, 16),
		done:   make(chan struct{}),
	}
}

// Start provisions the device identity, restores any persisted session and
// begins watching for reconnects that need revalidation.
func (c *Controller) Start(ctx context.Context) error {
	c.runCtx, c.cancel = context.WithCancel(context.Background())

	if err := c.provisionDeviceID(ctx); err != nil {
		return err
	}

	if err := c.restoreSession(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.syncWorker(ctx)

	// The token mirror is driven off the store so every producer of a
	// session change funnels through the same single writer.
	c.unsubs = append(c.unsubs, c.store.OnSessionChange(func(change state.Change[*models.AuthSession]) {
		select {
		case c.syncCh <- change.New:
		case <-c.done:
		}
	}))

	c.unsubs = append(c.unsubs, c.store.OnConnectionStateChange(func(change state.Change[models.ConnectionState]) {
		if change.New != models.StateConnected {
			return
		}

		// Tracked so Stop waits for an in-flight revalidation instead
		// of leaving its request dangling past shutdown.
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()

		go func() {
			defer c.wg.Done()
			c.revalidate(c.runCtx)
		}()
	}))

	return nil
}

// Stop halts the controller. Pending token writes are flushed first.
func (c *Controller) Stop(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
		c.stopExpiryTimerLocked()
		c.mu.Unlock()

		close(c.done)

		if c.cancel != nil {
			c.cancel()
		}
	})

	flushed := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeviceID returns the stable identity this device authenticates with.
func (c *Controller) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.deviceID
}

// Login exchanges the operator PIN for a session token. Requires a live,
// connected transport.
func (c *Controller) Login(ctx context.Context, pin string) (*models.AuthSession, error) {
	if !c.store.ConnectionState().Live() {
		return nil, models.NewConnError(models.ErrCodeServerUnreachable, "", ErrNotConnected)
	}

	payload, err := json.Marshal(loginRequest{Pin: pin, DeviceID: c.DeviceID()})
	if err != nil {
		return nil, err
	}

	raw, err := c.rt.Request(ctx, MsgLogin, payload)
	if err != nil {
		code := models.CodeOf(err)
		c.logger.Warn().Err(err).Str("code", string(code)).Msg("Login failed")
		c.store.SetLastError(code, err.Error())

		return nil, err
	}

	var resp loginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, models.NewConnError(models.ErrCodeUnknown, "malformed login response", err)
	}

	session := &models.AuthSession{
		Token:     resp.Token,
		Operator:  resp.Operator,
		ExpiresAt: resp.ExpiresAt,
		DeviceID:  c.DeviceID(),
	}

	c.store.SetSession(session)
	c.store.ClearLastError()
	c.store.SetConnectionState(models.StateAuthenticated)
	c.armExpiry(session)

	c.logger.Info().
		Str("operator", session.Operator.Name).
		Time("expires_at", session.ExpiresAt).
		Msg("Operator authenticated")

	return session, nil
}

// Logout clears the session locally and tells the desktop, best effort.
// Local state is always cleared even if the desktop is unreachable.
func (c *Controller) Logout(ctx context.Context) error {
	session := c.store.Session()
	if session == nil {
		return ErrNotAuthenticated
	}

	if c.store.ConnectionState().Live() {
		if payload, err := json.Marshal(logoutRequest{Token: session.Token}); err == nil {
			if _, err := c.rt.Request(ctx, MsgLogout, payload); err != nil {
				c.logger.Warn().Err(err).Msg("Logout request failed, clearing session locally")
			}
		}
	}

	c.clearSession()

	return nil
}

// revalidate silently re-authenticates a stored session after a reconnect.
// A rejected token drops the session; the operator must log in again.
func (c *Controller) revalidate(ctx context.Context) {
	session := c.store.Session()
	if session == nil {
		return
	}

	if session.Expired(time.Now()) {
		c.logger.Info().Msg("Stored session expired, dropping")
		c.clearSession()

		return
	}

	payload, err := json.Marshal(validateRequest{Token: session.Token, DeviceID: session.DeviceID})
	if err != nil {
		return
	}

	if _, err := c.rt.Request(ctx, MsgValidate, payload); err != nil {
		if models.CodeOf(err) == models.ErrCodeAuthFailed {
			c.logger.Warn().Msg("Stored token rejected by desktop")
			c.store.SetLastError(models.ErrCodeAuthFailed, "session token rejected")
			c.clearSession()

			return
		}

		// Transient failure; the next reconnect retries validation.
		c.logger.Debug().Err(err).Msg("Token validation inconclusive")

		return
	}

	if c.store.ConnectionState() == models.StateConnected {
		c.store.SetConnectionState(models.StateAuthenticated)
	}

	c.armExpiry(session)
}

func (c *Controller) clearSession() {
	c.mu.Lock()
	c.stopExpiryTimerLocked()
	c.mu.Unlock()

	c.store.SetSession(nil)

	if c.store.ConnectionState() == models.StateAuthenticated {
		c.store.SetConnectionState(models.StateConnected)
	}
}

// armExpiry schedules an automatic logout at the session deadline.
func (c *Controller) armExpiry(session *models.AuthSession) {
	if session.ExpiresAt.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopExpiryTimerLocked()

	delay := time.Until(session.ExpiresAt)
	if delay < 0 {
		delay = 0
	}

	token := session.Token
	c.expiryTimer = time.AfterFunc(delay, func() {
		current := c.store.Session()
		if current == nil || current.Token != token {
			return
		}

		c.logger.Info().Msg("Session expired")
		c.store.SetLastError(models.ErrCodeAuthFailed, "session expired")
		c.clearSession()
	})
}

func (c *Controller) stopExpiryTimerLocked() {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
		c.expiryTimer = nil
	}
}

// provisionDeviceID loads the durable device identity, minting one on
// first run.
func (c *Controller) provisionDeviceID(ctx context.Context) error {
	raw, ok, err := c.kv.Get(ctx, storage.KeyDeviceID)
	if err != nil {
		return err
	}

	if ok && len(raw) > 0 {
		c.mu.Lock()
		c.deviceID = string(raw)
		c.mu.Unlock()

		return nil
	}

	id := uuid.New().String()
	if err := c.kv.Put(ctx, storage.KeyDeviceID, []byte(id)); err != nil {
		return err
	}

	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()

	c.logger.Info().Str("device_id", id).Msg("Provisioned device identity")

	return nil
}

// restoreSession loads a persisted session into the store without marking
// the device authenticated; revalidation on the next connect does that.
func (c *Controller) restoreSession(ctx context.Context) error {
	raw, ok, err := c.kv.Get(ctx, storage.KeyAuthToken)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	var session models.AuthSession
	if err := json.Unmarshal(raw, &session); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unreadable stored session")
		return c.kv.Delete(ctx, storage.KeyAuthToken)
	}

	if session.Expired(time.Now()) {
		c.logger.Info().Msg("Discarding expired stored session")
		return c.kv.Delete(ctx, storage.KeyAuthToken)
	}

	c.store.SetSession(&session)

	return nil
}

// syncWorker is the only writer of the persisted auth token. Changes are
// applied strictly in the order the store emitted them.
func (c *Controller) syncWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case session := <-c.syncCh:
			c.persistSession(ctx, session)
		case <-c.done:
			// Drain what is already queued so a logout right before
			// shutdown still clears the stored token.
			for {
				select {
				case session := <-c.syncCh:
					c.persistSession(ctx, session)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) persistSession(ctx context.Context, session *models.AuthSession) {
	if session == nil {
		if err := c.kv.Delete(ctx, storage.KeyAuthToken); err != nil {
			c.logger.Error().Err(err).Msg("Failed to remove stored session")
		}

		return
	}

	raw, err := json.Marshal(session)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode session")
		return
	}

	if err := c.kv.Put(ctx, storage.KeyAuthToken, raw); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist session")
	}
}
