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

// Package transport implements the message-framed WebSocket connection to
// the desktop. Frames are JSON messages correlated by ID; the desktop may
// also send unsolicited push frames (no correlation ID known to us).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
)

var (
	// ErrNotConnected indicates no live socket is available for requests.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosed indicates the connection closed while a request was in flight.
	ErrClosed = errors.New("transport closed")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	writeWait               = 10 * time.Second
)

// Message is a single frame on the wire.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorFrame     `json:"error,omitempty"`
}

// ErrorFrame carries a server-side failure for a correlated request.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is the transport consumed by the connection manager. The manager
// is the only owner of the underlying socket; other components submit
// requests through it.
type Client interface {
	Connect(ctx context.Context, url string) error
	Request(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error)
	OnPush(handler func(Message))
	OnClose(handler func(err error))
	Close() error
}

// WSClient implements Client over gorilla/websocket.
type WSClient struct {
	mu             sync.Mutex
	conn           *websocket.Conn
	pending        map[string]chan Message
	pushHandler    func(Message)
	closeHandler   func(err error)
	closed         bool
	requestTimeout time.Duration
	logger         logger.Logger
}

// NewWSClient creates a disconnected transport client. requestTimeout of
// zero selects the default.
func NewWSClient(requestTimeout time.Duration, log logger.Logger) *WSClient {
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &WSClient{
		pending:        make(map[string]chan Message),
		requestTimeout: requestTimeout,
		logger:         log,
	}
}

// Connect dials the desktop endpoint and starts the read pump. Calling
// Connect on a connected client replaces the socket.
func (c *WSClient) Connect(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			c.logger.Debug().Str("status", resp.Status).Msg("WebSocket handshake rejected")
		}

		return models.NewConnError(models.ClassifyNetError(err), "dial "+url, err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	go c.readPump(conn)

	return nil
}

// readPump reads frames until the socket dies, routing correlated responses
// to their waiters and everything else to the push handler.
func (c *WSClient) readPump(conn *websocket.Conn) {
	for {
		var msg Message

		err := conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
			}

			c.teardown(conn, err)

			return
		}

		c.dispatch(msg)
	}
}

func (c *WSClient) dispatch(msg Message) {
	if msg.ID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- msg
			return
		}
	}

	c.mu.Lock()
	handler := c.pushHandler
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// teardown fails all in-flight requests and notifies the close handler.
// Only the pump that owns conn runs it, so a replaced socket's death does
// not tear down its successor.
func (c *WSClient) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()

	if c.conn != conn {
		c.mu.Unlock()
		return
	}

	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan Message)
	handler := c.closeHandler
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	_ = conn.Close()

	for _, ch := range pending {
		close(ch)
	}

	if handler != nil && !alreadyClosed {
		handler(cause)
	}
}

// Request sends a correlated frame and waits for the matching response,
// the context, or the per-request timeout, whichever comes first. A timed
// out request fails locally without tearing down the connection.
func (c *WSClient) Request(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	id := uuid.New().String()
	msg := Message{ID: id, Type: msgType, Payload: payload}

	ch := make(chan Message, 1)

	c.mu.Lock()

	if c.conn == nil {
		c.mu.Unlock()
		return nil, models.NewConnError(models.ErrCodeServerUnreachable, "", ErrNotConnected)
	}

	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeJSON(conn, &msg); err != nil {
		c.forget(id)
		return nil, models.NewConnError(models.ClassifyNetError(err), "write failed", err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, models.NewConnError(models.ErrCodeServerUnreachable, "connection lost", ErrClosed)
		}

		if resp.Error != nil {
			return nil, serverError(resp.Error)
		}

		return resp.Payload, nil
	case <-timer.C:
		c.forget(id)
		return nil, models.NewConnError(models.ErrCodeConnectionTimeout,
			fmt.Sprintf("request %s timed out after %s", msgType, c.requestTimeout), context.DeadlineExceeded)
	case <-ctx.Done():
		c.forget(id)
		return nil, models.NewConnError(models.ClassifyNetError(ctx.Err()), "request canceled", ctx.Err())
	}
}

func (c *WSClient) writeJSON(conn *websocket.Conn, msg *Message) error {
	// gorilla/websocket allows one concurrent writer; serialize under the
	// client mutex.
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	return conn.WriteJSON(msg)
}

func (c *WSClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// OnPush registers the handler for unsolicited frames.
func (c *WSClient) OnPush(handler func(Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushHandler = handler
}

// OnClose registers the handler invoked once when the socket dies.
func (c *WSClient) OnClose(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHandler = handler
}

// Close shuts the socket down without invoking the close handler; it is
// the deliberate-teardown path.
func (c *WSClient) Close() error {
	c.mu.Lock()

	conn := c.conn
	c.conn = nil
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	return conn.Close()
}

// serverError maps a desktop error frame into the taxonomy.
func serverError(frame *ErrorFrame) error {
	code := models.ErrorCode(frame.Code)

	switch code {
	case models.ErrCodeAuthFailed, models.ErrCodeValidationRejected,
		models.ErrCodeServerUnreachable, models.ErrCodeConnectionTimeout,
		models.ErrCodeNetworkUnavailable:
	default:
		code = models.ErrCodeUnknown
	}

	return models.NewConnError(code, frame.Message, nil)
}
