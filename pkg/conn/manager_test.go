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
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
	"github.com/carverauto/giro-handheld/pkg/state"
	"github.com/carverauto/giro-handheld/pkg/transport"
)

// fakeClient scripts transport behaviour for the manager.
type fakeClient struct {
	mu           sync.Mutex
	connectErrs  []error
	connectCalls int
	connectGate  chan struct{}
	closeCalls   int
	closeHandler func(error)
	requestFn    func(msgType string) (json.RawMessage, error)
}

func (f *fakeClient) Connect(ctx context.Context, _ string) error {
	f.mu.Lock()
	f.connectCalls++
	gate := f.connectGate

	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.NewConnError(models.ErrCodeConnectionTimeout, "dial canceled", ctx.Err())
		}
	}

	return err
}

func (f *fakeClient) Request(_ context.Context, msgType string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.requestFn
	f.mu.Unlock()

	if fn != nil {
		return fn(msgType)
	}

	return json.RawMessage(`{}`), nil
}

func (f *fakeClient) OnPush(func(transport.Message)) {}

func (f *fakeClient) OnClose(handler func(error)) {
	f.mu.Lock()
	f.closeHandler = handler
	f.mu.Unlock()
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()

	return nil
}

func (f *fakeClient) fireClose(err error) {
	f.mu.Lock()
	handler := f.closeHandler
	f.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

func (f *fakeClient) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connectCalls
}

func testEndpoint() models.DiscoveredEndpoint {
	return models.DiscoveredEndpoint{ID: "desk-a", Address: "192.168.1.10", Port: 3847}
}

func fastConfig() Config {
	return Config{
		MaxReconnectAttempts:    2,
		ReconnectDelay:          models.Duration(10 * time.Millisecond),
		MaxReconnectDelay:       models.Duration(20 * time.Millisecond),
		HeartbeatInterval:       models.Duration(20 * time.Millisecond),
		HeartbeatMisses:         2,
		RequestTimeout:          models.Duration(time.Second),
		ConsecutiveTimeoutLimit: 2,
	}
}

type harness struct {
	manager *Manager
	client  *fakeClient
	store   *state.Store
	reach   *StaticReachability
	states  []models.ConnectionState
	mu      sync.Mutex
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()

	h := &harness{
		client: &fakeClient{},
		store:  state.NewStore(0, logger.NewTestLogger()),
		reach:  NewStaticReachability(true, logger.NewTestLogger()),
	}

	h.store.OnConnectionStateChange(func(c state.Change[models.ConnectionState]) {
		h.mu.Lock()
		h.states = append(h.states, c.New)
		h.mu.Unlock()
	})

	h.manager = NewManager(config, h.client, h.store, h.reach, logger.NewTestLogger())
	t.Cleanup(h.manager.Close)

	return h
}

func (h *harness) transitions() []models.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.ConnectionState, len(h.states))
	copy(out, h.states)

	return out
}

func TestConnectTransitionsThroughConnecting(t *testing.T) {
	h := newHarness(t, fastConfig())

	require.NoError(t, h.manager.Connect(context.Background(), testEndpoint()))

	assert.Equal(t,
		[]models.ConnectionState{models.StateConnecting, models.StateConnected},
		h.transitions())

	selected := h.store.SelectedEndpoint()
	require.NotNil(t, selected)
	assert.Equal(t, "desk-a", selected.ID)
}

func TestConnectFailureEntersReconnecting(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.client.connectErrs = []error{
		models.NewConnError(models.ErrCodeConnectionRefused, "refused", nil),
	}

	err := h.manager.Connect(context.Background(), testEndpoint())
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeConnectionRefused, models.CodeOf(err))

	lastErr := h.store.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, models.ErrCodeConnectionRefused, lastErr.Code)

	// Retriable failure: background reconnect kicks in and succeeds.
	require.Eventually(t, func() bool {
		return h.store.ConnectionState() == models.StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.Nil(t, h.store.LastError())
}

func TestReconnectExhaustionEndsDisconnected(t *testing.T) {
	h := newHarness(t, fastConfig())
	refused := models.NewConnError(models.ErrCodeConnectionRefused, "refused", nil)
	h.client.connectErrs = []error{refused, refused, refused}

	err := h.manager.Connect(context.Background(), testEndpoint())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return h.store.ConnectionState() == models.StateDisconnected
	}, time.Second, 5*time.Millisecond)

	// Initial dial plus the two capped reconnect attempts.
	assert.Equal(t, 3, h.client.connects())

	lastErr := h.store.LastError()
	require.NotNil(t, lastErr)
	assert.Equal(t, models.ErrCodeConnectionRefused, lastErr.Code)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.client.connectErrs = []error{
		models.NewConnError(models.ErrCodeAuthFailed, "device not allowed", nil),
	}

	err := h.manager.Connect(context.Background(), testEndpoint())
	require.Error(t, err)

	assert.Equal(t, models.StateDisconnected, h.store.ConnectionState())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.client.connects())
}

func TestSecondConnectCancelsFirstAttempt(t *testing.T) {
	h := newHarness(t, fastConfig())

	gate := make(chan struct{})
	h.client.connectGate = gate

	first := make(chan error, 1)

	go func() {
		first <- h.manager.Connect(context.Background(), testEndpoint())
	}()

	// Wait until the first dial is in flight.
	require.Eventually(t, func() bool {
		return h.client.connects() == 1
	}, time.Second, time.Millisecond)

	h.client.mu.Lock()
	h.client.connectGate = nil
	h.client.mu.Unlock()

	second := testEndpoint()
	second.ID = "desk-b"
	require.NoError(t, h.manager.Connect(context.Background(), second))

	close(gate)

	assert.ErrorIs(t, <-first, errSuperseded)
	assert.Equal(t, models.StateConnected, h.store.ConnectionState())

	selected := h.store.SelectedEndpoint()
	require.NotNil(t, selected)
	assert.Equal(t, "desk-b", selected.ID)
}

func TestUnexpectedSocketCloseReconnects(t *testing.T) {
	h := newHarness(t, fastConfig())

	require.NoError(t, h.manager.Connect(context.Background(), testEndpoint()))

	h.client.fireClose(models.NewConnError(models.ErrCodeServerUnreachable, "peer went away", nil))

	require.Equal(t, models.StateReconnecting, h.store.ConnectionState())

	require.Eventually(t, func() bool {
		return h.store.ConnectionState() == models.StateConnected
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.client.connects())
}

func TestDeliberateDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t, fastConfig())

	require.NoError(t, h.manager.Connect(context.Background(), testEndpoint()))

	h.manager.Disconnect()

	assert.Equal(t, models.StateDisconnected, h.store.ConnectionState())
	assert.Nil(t, h.store.SelectedEndpoint())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.client.connects())
}

func TestHeartbeatMissesForceReconnect(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.client.requestFn = func(msgType string) (json.RawMessage, error) {
		if msgType == MsgPing {
			return nil, models.NewConnError(models.ErrCodeConnectionTimeout, "ping timed out", nil)
		}

		return json.RawMessage(`{}`), nil
	}

	require.NoError(t, h.manager.Connect(context.Background(), testEndpoint()))

	require.Eventually(t, func() bool {
		return h.client.connects() >= 2
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	sawReconnecting := false

	for _, s := range h.states {
		if s == models.StateReconnecting {
			sawReconnecting = true
		}
	}
	h.mu.Unlock()

	assert.True(t, sawReconnecting)
}

func TestConsecutiveRequestTimeoutsForceReconnect(t *testing.T) {
	h := newHarness(t, fastConfig())

	timeout := models.NewConnError(models.ErrCodeConnectionTimeout, "request timed out", nil)
	h.client.requestFn = func(string) (json.RawMessage, error) {
		return nil, timeout
	}

	require.NoError(t, h.manager.Connect(context.Background(), testEndpoint()))

	_, err := h.manager.Request(context.Background(), "count.submit", nil)
	require.Error(t, err)

	_, err = h.manager.Request(context.Background(), "count.submit", nil)
	require.Error(t, err)

	// Second consecutive timeout trips the limit.
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()

		for _, s := range h.states {
			if s == models.StateReconnecting {
				return true
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)
}

func TestRequestWhileDisconnectedFailsFast(t *testing.T) {
	h := newHarness(t, fastConfig())

	_, err := h.manager.Request(context.Background(), "count.submit", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeServerUnreachable, models.CodeOf(err))
	assert.Zero(t, h.client.connects())
}

func TestOfflineForcesReconnectingAndWaits(t *testing.T) {
	h := newHarness(t, fastConfig())

	require.NoError(t, h.manager.Connect(context.Background(), testEndpoint()))

	h.reach.SetOnline(false)

	require.Eventually(t, func() bool {
		return h.store.ConnectionState() == models.StateReconnecting
	}, time.Second, 5*time.Millisecond)

	// Offline waits consume no reconnect attempts.
	dials := h.client.connects()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, dials, h.client.connects())

	h.reach.SetOnline(true)

	require.Eventually(t, func() bool {
		return h.store.ConnectionState() == models.StateConnected
	}, time.Second, 5*time.Millisecond)
}

func TestConnectWhileOfflineQueuesReconnect(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.reach.SetOnline(false)

	err := h.manager.Connect(context.Background(), testEndpoint())
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeNetworkUnavailable, models.CodeOf(err))
	assert.Equal(t, models.StateReconnecting, h.store.ConnectionState())
	assert.Zero(t, h.client.connects())

	h.reach.SetOnline(true)

	require.Eventually(t, func() bool {
		return h.store.ConnectionState() == models.StateConnected
	}, time.Second, 5*time.Millisecond)
}
