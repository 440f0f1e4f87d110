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

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
)

// fakeDesktop is a WebSocket server answering frames by type.
type fakeDesktop struct {
	*httptest.Server
	mu     sync.Mutex
	handle func(conn *websocket.Conn, msg Message)
}

func newFakeDesktop(t *testing.T, handle func(conn *websocket.Conn, msg Message)) *fakeDesktop {
	t.Helper()

	upgrader := websocket.Upgrader{}
	d := &fakeDesktop{handle: handle}

	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer conn.Close()

		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}

			d.mu.Lock()
			handler := d.handle
			d.mu.Unlock()

			handler(conn, msg)
		}
	}))

	t.Cleanup(d.Close)

	return d
}

func (d *fakeDesktop) setHandle(handle func(conn *websocket.Conn, msg Message)) {
	d.mu.Lock()
	d.handle = handle
	d.mu.Unlock()
}

func (d *fakeDesktop) wsURL() string {
	return "ws" + strings.TrimPrefix(d.URL, "http")
}

func echoHandler(conn *websocket.Conn, msg Message) {
	_ = conn.WriteJSON(Message{ID: msg.ID, Type: msg.Type, Payload: msg.Payload})
}

func TestRequestResponseCorrelation(t *testing.T) {
	desktop := newFakeDesktop(t, echoHandler)
	client := NewWSClient(time.Second, logger.NewTestLogger())

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	payload := json.RawMessage(`{"sku":"A1"}`)
	resp, err := client.Request(context.Background(), "count.submit", payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"A1"}`, string(resp))
}

func TestRequestTimeoutFailsLocally(t *testing.T) {
	// The desktop swallows the frame; the request must time out without
	// killing the connection.
	desktop := newFakeDesktop(t, func(*websocket.Conn, Message) {})
	client := NewWSClient(50*time.Millisecond, logger.NewTestLogger())

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	_, err := client.Request(context.Background(), "count.submit", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeConnectionTimeout, models.CodeOf(err))

	// The socket is still usable afterwards.
	desktop.setHandle(echoHandler)

	_, err = client.Request(context.Background(), "count.submit", nil)
	require.NoError(t, err)
}

func TestServerErrorFrameMapsToTaxonomy(t *testing.T) {
	desktop := newFakeDesktop(t, func(conn *websocket.Conn, msg Message) {
		_ = conn.WriteJSON(Message{
			ID:    msg.ID,
			Type:  msg.Type,
			Error: &ErrorFrame{Code: "AUTH_FAILED", Message: "bad pin"},
		})
	})
	client := NewWSClient(time.Second, logger.NewTestLogger())

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	_, err := client.Request(context.Background(), "auth.login", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeAuthFailed, models.CodeOf(err))
	assert.Contains(t, err.Error(), "bad pin")
}

func TestUnknownServerCodeMapsToUnknown(t *testing.T) {
	desktop := newFakeDesktop(t, func(conn *websocket.Conn, msg Message) {
		_ = conn.WriteJSON(Message{ID: msg.ID, Error: &ErrorFrame{Code: "TEAPOT", Message: "short and stout"}})
	})
	client := NewWSClient(time.Second, logger.NewTestLogger())

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	_, err := client.Request(context.Background(), "auth.login", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeUnknown, models.CodeOf(err))
}

func TestPushMessagesReachHandler(t *testing.T) {
	desktop := newFakeDesktop(t, func(conn *websocket.Conn, msg Message) {
		// Respond, then push an unsolicited frame.
		_ = conn.WriteJSON(Message{ID: msg.ID, Type: msg.Type})
		_ = conn.WriteJSON(Message{Type: "inventory.updated", Payload: json.RawMessage(`{"sku":"A1"}`)})
	})
	client := NewWSClient(time.Second, logger.NewTestLogger())

	t.Cleanup(func() { _ = client.Close() })

	pushed := make(chan Message, 1)

	client.OnPush(func(msg Message) {
		select {
		case pushed <- msg:
		default:
		}
	})

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	_, err := client.Request(context.Background(), "ping", nil)
	require.NoError(t, err)

	select {
	case msg := <-pushed:
		assert.Equal(t, "inventory.updated", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("push message not delivered")
	}
}

func TestServerCloseNotifiesOnCloseOnce(t *testing.T) {
	desktop := newFakeDesktop(t, func(conn *websocket.Conn, _ Message) {
		_ = conn.Close()
	})
	client := NewWSClient(time.Second, logger.NewTestLogger())

	closes := make(chan error, 4)

	client.OnClose(func(err error) { closes <- err })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	_, err := client.Request(context.Background(), "ping", nil)
	require.Error(t, err)

	select {
	case <-closes:
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked")
	}

	select {
	case <-closes:
		t.Fatal("close handler invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliberateCloseDoesNotFireHandler(t *testing.T) {
	desktop := newFakeDesktop(t, echoHandler)
	client := NewWSClient(time.Second, logger.NewTestLogger())

	fired := make(chan struct{}, 1)

	client.OnClose(func(error) { fired <- struct{}{} })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))
	require.NoError(t, client.Close())

	select {
	case <-fired:
		t.Fatal("deliberate close must not invoke the close handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestWithoutConnection(t *testing.T) {
	client := NewWSClient(time.Second, logger.NewTestLogger())

	_, err := client.Request(context.Background(), "ping", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeServerUnreachable, models.CodeOf(err))
}

func TestDialFailureClassified(t *testing.T) {
	client := NewWSClient(time.Second, logger.NewTestLogger())

	// Nothing listens on this port.
	err := client.Connect(context.Background(), "ws://127.0.0.1:1/ws")
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeConnectionRefused, models.CodeOf(err))
}

func TestReconnectReplacesSocket(t *testing.T) {
	desktop := newFakeDesktop(t, echoHandler)
	client := NewWSClient(time.Second, logger.NewTestLogger())

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))
	require.NoError(t, client.Connect(context.Background(), desktop.wsURL()))

	_, err := client.Request(context.Background(), "ping", nil)
	require.NoError(t, err)
}
