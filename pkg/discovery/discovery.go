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

// Package discovery locates desktop endpoints advertised on the local
// network. The discovered set is keyed by service instance name, so
// re-resolution updates an endpoint in place rather than duplicating it.
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/giro-handheld/pkg/events"
	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
)

// Service finds desktop endpoints via the local advertisement protocol.
type Service struct {
	mu        sync.Mutex
	config    Config
	browser   browser
	scanning  bool
	cancel    context.CancelFunc
	fatal     chan error
	endpoints map[string]models.DiscoveredEndpoint
	wg        sync.WaitGroup

	found  *events.Notifier[models.DiscoveredEndpoint]
	lost   *events.Notifier[models.DiscoveredEndpoint]
	errs   *events.Notifier[error]
	logger logger.Logger
}

// New creates a discovery service using mDNS.
func New(config Config, log logger.Logger) *Service {
	return newService(config, &zeroconfBrowser{}, log)
}

func newService(config Config, b browser, log logger.Logger) *Service {
	if config.ServiceType == "" {
		config.ServiceType = DefaultServiceType
	}

	if config.Domain == "" {
		config.Domain = DefaultDomain
	}

	if config.Timeout == 0 {
		config.Timeout = models.Duration(DefaultTimeout)
	}

	return &Service{
		config:    config,
		browser:   b,
		endpoints: make(map[string]models.DiscoveredEndpoint),
		found:     events.NewNotifier[models.DiscoveredEndpoint](log),
		lost:      events.NewNotifier[models.DiscoveredEndpoint](log),
		errs:      events.NewNotifier[error](log),
		logger:    log,
	}
}

// OnFound subscribes to endpoint resolution events.
func (s *Service) OnFound(fn func(models.DiscoveredEndpoint)) func() {
	return s.found.Subscribe(fn)
}

// OnLost subscribes to endpoint loss events.
func (s *Service) OnLost(fn func(models.DiscoveredEndpoint)) func() {
	return s.lost.Subscribe(fn)
}

// OnError subscribes to browse error events.
func (s *Service) OnError(fn func(error)) func() {
	return s.errs.Subscribe(fn)
}

// StartDiscovery begins listening for advertisement events. Calling it
// while a scan is running is a no-op.
func (s *Service) StartDiscovery(ctx context.Context, opts Options) error {
	s.mu.Lock()

	if s.scanning {
		s.mu.Unlock()
		return nil
	}

	serviceType := opts.ServiceType
	if serviceType == "" {
		serviceType = s.config.ServiceType
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.scanning = true
	fatal := make(chan error, 1)
	s.fatal = fatal

	records := make(chan serviceRecord, 16)
	domain := s.config.Domain

	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info().Str("service_type", serviceType).Msg("Starting discovery scan")

	go func() {
		defer s.wg.Done()

		if err := s.browser.browse(scanCtx, serviceType, domain, records); err != nil {
			s.logger.Error().Err(err).Msg("Discovery browse failed")

			select {
			case fatal <- err:
			default:
			}

			s.errs.Notify(err)
		}
	}()

	go func() {
		defer s.wg.Done()

		for record := range records {
			s.handleRecord(record)
		}
	}()

	return nil
}

// StopDiscovery stops listening. Safe to call when no scan is running.
func (s *Service) StopDiscovery() {
	s.mu.Lock()

	if !s.scanning {
		s.mu.Unlock()
		return
	}

	cancel := s.cancel
	s.cancel = nil
	s.scanning = false
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.logger.Debug().Msg("Discovery scan stopped")
}

// Discover is the one-shot convenience pass: it clears prior results,
// scans until the timeout elapses, and returns the accumulated endpoints.
// A fatal browse error before the timeout fails the pass. Scanning always
// stops before Discover returns.
func (s *Service) Discover(ctx context.Context, opts Options) ([]models.DiscoveredEndpoint, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Duration(s.config.Timeout)
	}

	s.mu.Lock()
	s.endpoints = make(map[string]models.DiscoveredEndpoint)
	s.mu.Unlock()

	if err := s.StartDiscovery(ctx, opts); err != nil {
		s.StopDiscovery()
		return nil, models.NewConnError(models.ErrCodeDiscoveryFailed, "failed to start discovery", err)
	}

	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		s.StopDiscovery()
		return s.Endpoints(), nil
	case err := <-fatal:
		s.StopDiscovery()
		return nil, models.NewConnError(models.ErrCodeDiscoveryFailed, "discovery protocol error", err)
	case <-ctx.Done():
		s.StopDiscovery()

		code := models.ErrCodeDiscoveryFailed
		if ctx.Err() == context.DeadlineExceeded {
			code = models.ErrCodeDiscoveryTimeout
		}

		return nil, models.NewConnError(code, "discovery aborted", ctx.Err())
	}
}

// Endpoints returns a snapshot of the discovered set.
func (s *Service) Endpoints() []models.DiscoveredEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DiscoveredEndpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}

	return out
}

// Destroy stops scanning and clears all listeners and discovered state.
func (s *Service) Destroy() {
	s.StopDiscovery()

	s.mu.Lock()
	s.endpoints = make(map[string]models.DiscoveredEndpoint)
	s.mu.Unlock()

	s.found.Clear()
	s.lost.Clear()
	s.errs.Clear()
}

func (s *Service) handleRecord(record serviceRecord) {
	if record.Name == "" {
		return
	}

	if record.TTL == 0 {
		s.handleLoss(record.Name)
		return
	}

	endpoint := models.DiscoveredEndpoint{
		ID:       record.Name,
		Name:     txtValue(record.TXT, "name", record.Name),
		Host:     record.Host,
		Address:  pickAddress(record.Addresses),
		Port:     record.Port,
		Version:  txtValue(record.TXT, "version", ""),
		LastSeen: time.Now(),
	}

	s.mu.Lock()
	s.endpoints[endpoint.ID] = endpoint
	s.mu.Unlock()

	s.logger.Debug().
		Str("endpoint", endpoint.ID).
		Str("address", endpoint.Address).
		Int("port", endpoint.Port).
		Msg("Endpoint resolved")

	s.found.Notify(endpoint)
}

func (s *Service) handleLoss(name string) {
	s.mu.Lock()
	endpoint, ok := s.endpoints[name]

	if ok {
		delete(s.endpoints, name)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	s.logger.Debug().Str("endpoint", name).Msg("Endpoint lost")
	s.lost.Notify(endpoint)
}

// pickAddress prefers the first IPv4-style address (no colon); if every
// address is IPv6-style it falls back to the first one.
func pickAddress(addresses []string) string {
	if len(addresses) == 0 {
		return ""
	}

	for _, addr := range addresses {
		if !strings.Contains(addr, ":") {
			return addr
		}
	}

	return addresses[0]
}

func txtValue(txt []string, key, fallback string) string {
	prefix := key + "="

	for _, entry := range txt {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix)
		}
	}

	return fallback
}
