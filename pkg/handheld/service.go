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

// Package handheld is the composition root: it wires discovery, the
// connection manager, session controller, state store and offline queue
// into one service and exposes the operations the device UI calls.
package handheld

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/carverauto/giro-handheld/pkg/conn"
	"github.com/carverauto/giro-handheld/pkg/discovery"
	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
	"github.com/carverauto/giro-handheld/pkg/queue"
	"github.com/carverauto/giro-handheld/pkg/session"
	"github.com/carverauto/giro-handheld/pkg/state"
	"github.com/carverauto/giro-handheld/pkg/storage"
	"github.com/carverauto/giro-handheld/pkg/transport"
)

// MsgItemLookup resolves a decoded barcode into item details.
const MsgItemLookup = "item.lookup"

// ErrNoHistory indicates QuickConnect was called with no remembered
// endpoint.
var ErrNoHistory = errors.New("no remembered endpoint")

// Service is the handheld core. It implements lifecycle.Service.
type Service struct {
	config    *Config
	logger    logger.Logger
	kv        storage.Store
	store     *state.Store
	discovery *discovery.Service
	client    *transport.WSClient
	manager   *conn.Manager
	session   *session.Controller
	queue     *queue.Queue
	reach     conn.Reachability

	drainCtx    context.Context
	drainCancel context.CancelFunc
	unsubs      []func()
}

// NewService wires the subsystem together. A nil reach assumes the device
// is always online.
func NewService(config *Config, reach conn.Reachability, log logger.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if reach == nil {
		reach = conn.NewStaticReachability(true, log)
	}

	kv, err := storage.NewBoltStore(config.StoragePath, log)
	if err != nil {
		return nil, err
	}

	return newService(config, kv, reach, log), nil
}

// newService assembles the service over an already-open store; tests use
// it with an in-memory store.
func newService(config *Config, kv storage.Store, reach conn.Reachability, log logger.Logger) *Service {
	st := state.NewStore(config.HistoryMax, log)

	disc := discovery.New(discovery.Config{
		ServiceType: config.ServiceType,
		Domain:      config.Domain,
		Timeout:     config.DiscoveryTimeout,
	}, log)

	client := transport.NewWSClient(time.Duration(config.Conn.RequestTimeout), log)
	manager := conn.NewManager(config.Conn, client, st, reach, log)
	sess := session.NewController(st, kv, manager, log)
	q := queue.NewQueue(config.Queue, kv, manager, st, reach, log)

	drainCtx, drainCancel := context.WithCancel(context.Background())

	return &Service{
		config:      config,
		logger:      log,
		kv:          kv,
		store:       st,
		discovery:   disc,
		client:      client,
		manager:     manager,
		session:     sess,
		queue:       q,
		reach:       reach,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
	}
}

// Start restores persisted state and begins reacting to connectivity.
func (s *Service) Start(ctx context.Context) error {
	if err := s.session.Start(ctx); err != nil {
		return err
	}

	if err := s.queue.Load(ctx); err != nil {
		return err
	}

	if err := s.loadHistory(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to restore connection history")
	}

	s.unsubs = append(s.unsubs, s.store.OnConnectionStateChange(func(change state.Change[models.ConnectionState]) {
		if change.New == models.StateConnected {
			s.recordConnect()
		}

		if change.New == models.StateAuthenticated && s.reach.Online() {
			go s.queue.Drain(s.drainCtx)
		}
	}))

	s.unsubs = append(s.unsubs, s.reach.OnChange(func(online bool) {
		if online && s.store.ConnectionState() == models.StateAuthenticated {
			go s.queue.Drain(s.drainCtx)
		}
	}))

	s.logger.Info().
		Str("service_type", s.config.ServiceType).
		Int("default_port", s.config.DefaultPort).
		Msg("Handheld service started")

	return nil
}

// Stop tears everything down in dependency order.
func (s *Service) Stop(ctx context.Context) error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.drainCancel()
	s.discovery.Destroy()
	s.manager.Close()

	err := s.session.Stop(ctx)

	if cerr := s.kv.Close(); cerr != nil && err == nil {
		err = cerr
	}

	s.logger.Info().Msg("Handheld service stopped")

	return err
}

// Discover runs a one-shot discovery pass and mirrors the result into the
// state store.
func (s *Service) Discover(ctx context.Context) ([]models.DiscoveredEndpoint, error) {
	s.store.SetConnectionState(models.StateDiscovering)

	endpoints, err := s.discovery.Discover(ctx, discovery.Options{})

	if s.store.ConnectionState() == models.StateDiscovering {
		s.store.SetConnectionState(models.StateDisconnected)
	}

	if err != nil {
		s.store.SetLastError(models.CodeOf(err), err.Error())
		return nil, err
	}

	for i := range endpoints {
		if endpoints[i].Port == 0 {
			endpoints[i].Port = s.config.DefaultPort
		}
	}

	s.store.SetEndpoints(endpoints)

	return endpoints, nil
}

// Connect dials the chosen endpoint.
func (s *Service) Connect(ctx context.Context, endpoint models.DiscoveredEndpoint) error {
	return s.manager.Connect(ctx, endpoint)
}

// QuickConnect retries the most recently used remembered endpoint without
// a rediscovery pass.
func (s *Service) QuickConnect(ctx context.Context) error {
	history := s.store.History()
	if len(history) == 0 {
		return ErrNoHistory
	}

	latest := history[0]
	for _, entry := range history[1:] {
		if entry.LastConnected.After(latest.LastConnected) {
			latest = entry
		}
	}

	s.logger.Info().
		Str("endpoint", latest.Endpoint.ID).
		Time("last_connected", latest.LastConnected).
		Msg("Quick connect to remembered endpoint")

	return s.manager.Connect(ctx, latest.Endpoint)
}

// Disconnect deliberately drops the connection and clears the session.
func (s *Service) Disconnect(ctx context.Context) {
	if s.store.Session() != nil {
		_ = s.session.Logout(ctx)
	}

	s.manager.Disconnect()
}

// Login authenticates the operator by PIN.
func (s *Service) Login(ctx context.Context, pin string) (*models.AuthSession, error) {
	return s.session.Login(ctx, pin)
}

// Logout ends the operator session.
func (s *Service) Logout(ctx context.Context) error {
	return s.session.Logout(ctx)
}

// ResolveBarcode looks a decoded barcode string up on the desktop. It
// requires a live authenticated connection; barcode lookups are never
// queued.
func (s *Service) ResolveBarcode(ctx context.Context, code string) (json.RawMessage, error) {
	if s.store.ConnectionState() != models.StateAuthenticated {
		return nil, models.NewConnError(models.ErrCodeServerUnreachable, "barcode lookup requires an authenticated connection", nil)
	}

	payload, err := json.Marshal(map[string]string{"barcode": code})
	if err != nil {
		return nil, err
	}

	return s.manager.Request(ctx, MsgItemLookup, payload)
}

// SubmitCount queues a stock count submission.
func (s *Service) SubmitCount(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionCountSubmit, payload)
}

// CreateRequest queues creation of a stock request.
func (s *Service) CreateRequest(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionRequestCreate, payload)
}

// SubmitRequest queues submission of a drafted stock request.
func (s *Service) SubmitRequest(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionRequestSubmit, payload)
}

// ApproveRequest queues approval of a stock request.
func (s *Service) ApproveRequest(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionRequestApprove, payload)
}

// RejectRequest queues rejection of a stock request.
func (s *Service) RejectRequest(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionRequestReject, payload)
}

// CreateTransfer queues creation of a stock transfer.
func (s *Service) CreateTransfer(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionTransferCreate, payload)
}

// ShipTransfer queues the ship step of a transfer.
func (s *Service) ShipTransfer(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionTransferShip, payload)
}

// ReceiveTransfer queues the receive step of a transfer.
func (s *Service) ReceiveTransfer(ctx context.Context, payload json.RawMessage) (*models.PendingAction, error) {
	return s.submit(ctx, models.ActionTransferReceive, payload)
}

// submit records the mutation durably and, when the device is already
// authenticated and online, kicks a drain so the write-through happens
// immediately.
func (s *Service) submit(ctx context.Context, kind models.ActionKind, payload json.RawMessage) (*models.PendingAction, error) {
	action, err := s.queue.Enqueue(ctx, kind, payload)
	if action == nil {
		return nil, err
	}

	if s.store.ConnectionState() == models.StateAuthenticated && s.reach.Online() {
		go s.queue.Drain(s.drainCtx)
	}

	return action, err
}

// Pending exposes the unsynced action list for the UI.
func (s *Service) Pending() []models.PendingAction {
	return s.queue.Pending()
}

// FailedActions exposes permanently failed actions for the UI.
func (s *Service) FailedActions() []models.PendingAction {
	return s.queue.FailedActions()
}

// RetryFailed puts a failed action back into rotation and kicks a drain.
func (s *Service) RetryFailed(ctx context.Context, id string) error {
	if err := s.queue.RetryFailed(ctx, id); err != nil {
		return err
	}

	if s.store.ConnectionState() == models.StateAuthenticated && s.reach.Online() {
		go s.queue.Drain(s.drainCtx)
	}

	return nil
}

// State returns the connection state store for read access and
// subscriptions.
func (s *Service) State() *state.Store {
	return s.store
}

// Discovery exposes the discovery service for event subscriptions.
func (s *Service) Discovery() *discovery.Service {
	return s.discovery
}

// OnPush registers a handler for unsolicited desktop messages.
func (s *Service) OnPush(fn func(transport.Message)) {
	s.client.OnPush(fn)
}

// recordConnect appends or refreshes the history entry for the endpoint
// that just connected and persists the updated list.
func (s *Service) recordConnect() {
	endpoint := s.store.SelectedEndpoint()
	if endpoint == nil {
		return
	}

	s.store.AddHistoryEntry(*endpoint, time.Now())

	if err := s.persistHistory(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist connection history")
	}
}

func (s *Service) persistHistory(ctx context.Context) error {
	raw, err := json.Marshal(s.store.History())
	if err != nil {
		return err
	}

	return s.kv.Put(ctx, storage.KeyConnectionHistory, raw)
}

func (s *Service) loadHistory(ctx context.Context) error {
	raw, ok, err := s.kv.Get(ctx, storage.KeyConnectionHistory)
	if err != nil || !ok {
		return err
	}

	var entries []models.ConnectionHistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	s.store.SetHistory(entries)

	return nil
}
