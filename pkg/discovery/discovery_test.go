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

package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
)

type scripted struct {
	after  time.Duration
	record serviceRecord
}

// fakeBrowser replays a fixed script of resolution events.
type fakeBrowser struct {
	mu     sync.Mutex
	calls  int
	script []scripted
	err    error
}

func (f *fakeBrowser) browse(ctx context.Context, _, _ string, records chan<- serviceRecord) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	defer close(records)

	for _, s := range f.script {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.after):
		}

		select {
		case records <- s.record:
		case <-ctx.Done():
			return nil
		}
	}

	if f.err != nil {
		return f.err
	}

	<-ctx.Done()

	return nil
}

func (f *fakeBrowser) browseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

func record(name, addr string, port int) serviceRecord {
	return serviceRecord{
		Name:      name,
		Host:      name + ".local.",
		Addresses: []string{addr},
		Port:      port,
		TTL:       120,
	}
}

func newTestService(b browser) *Service {
	return newService(Config{}, b, logger.NewTestLogger())
}

func TestDiscoverAccumulatesEndpoints(t *testing.T) {
	b := &fakeBrowser{script: []scripted{
		{after: 5 * time.Millisecond, record: record("desk-a", "192.168.1.10", 3847)},
		{after: 5 * time.Millisecond, record: record("desk-b", "192.168.1.11", 3847)},
	}}
	svc := newTestService(b)

	endpoints, err := svc.Discover(context.Background(), Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)

	// The one-shot pass must leave no scan running.
	svc.mu.Lock()
	scanning := svc.scanning
	svc.mu.Unlock()
	assert.False(t, scanning)
}

func TestDiscoverReResolutionUpdatesInPlace(t *testing.T) {
	// Two records for the same instance name, the second arriving 50ms
	// later with a different address: the set must hold one endpoint
	// carrying the second address.
	b := &fakeBrowser{script: []scripted{
		{after: 5 * time.Millisecond, record: record("desk-a", "192.168.1.10", 3847)},
		{after: 50 * time.Millisecond, record: record("desk-a", "192.168.1.99", 3847)},
	}}
	svc := newTestService(b)

	endpoints, err := svc.Discover(context.Background(), Options{Timeout: 150 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "desk-a", endpoints[0].ID)
	assert.Equal(t, "192.168.1.99", endpoints[0].Address)
}

func TestGoodbyeRemovesEndpoint(t *testing.T) {
	goodbye := record("desk-a", "192.168.1.10", 3847)
	goodbye.TTL = 0

	b := &fakeBrowser{script: []scripted{
		{after: 5 * time.Millisecond, record: record("desk-a", "192.168.1.10", 3847)},
		{after: 5 * time.Millisecond, record: goodbye},
	}}
	svc := newTestService(b)

	var lost []models.DiscoveredEndpoint

	var mu sync.Mutex

	svc.OnLost(func(ep models.DiscoveredEndpoint) {
		mu.Lock()
		lost = append(lost, ep)
		mu.Unlock()
	})

	endpoints, err := svc.Discover(context.Background(), Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, endpoints)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lost, 1)
	assert.Equal(t, "desk-a", lost[0].ID)
}

func TestDiscoverFatalError(t *testing.T) {
	browseErr := errors.New("multicast group join failed")
	b := &fakeBrowser{err: browseErr}
	svc := newTestService(b)

	var notified error

	done := make(chan struct{})

	svc.OnError(func(err error) {
		notified = err
		close(done)
	})

	_, err := svc.Discover(context.Background(), Options{Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeDiscoveryFailed, models.CodeOf(err))

	select {
	case <-done:
		assert.ErrorIs(t, notified, browseErr)
	case <-time.After(time.Second):
		t.Fatal("error listener was not notified")
	}

	svc.mu.Lock()
	scanning := svc.scanning
	svc.mu.Unlock()
	assert.False(t, scanning)
}

func TestStartDiscoveryIdempotent(t *testing.T) {
	b := &fakeBrowser{}
	svc := newTestService(b)

	require.NoError(t, svc.StartDiscovery(context.Background(), Options{}))
	require.NoError(t, svc.StartDiscovery(context.Background(), Options{}))

	// Give the single browse goroutine a moment to start.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, b.browseCalls())

	svc.StopDiscovery()
	svc.StopDiscovery() // safe when not scanning
}

func TestDiscoverClearsPriorResults(t *testing.T) {
	b := &fakeBrowser{script: []scripted{
		{after: 5 * time.Millisecond, record: record("desk-a", "192.168.1.10", 3847)},
	}}
	svc := newTestService(b)

	_, err := svc.Discover(context.Background(), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, svc.Endpoints(), 1)

	// Second pass finds nothing; prior results must not leak through.
	b2 := &fakeBrowser{}
	svc.browser = b2

	endpoints, err := svc.Discover(context.Background(), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestDestroyClearsListenersAndEndpoints(t *testing.T) {
	b := &fakeBrowser{script: []scripted{
		{after: 5 * time.Millisecond, record: record("desk-a", "192.168.1.10", 3847)},
	}}
	svc := newTestService(b)

	svc.OnFound(func(models.DiscoveredEndpoint) {})

	_, err := svc.Discover(context.Background(), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	svc.Destroy()

	assert.Empty(t, svc.Endpoints())
	assert.Zero(t, svc.found.Len())
}

func TestPickAddressPrefersIPv4(t *testing.T) {
	tests := []struct {
		name      string
		addresses []string
		want      string
	}{
		{"ipv4 first", []string{"192.168.1.10", "fe80::1"}, "192.168.1.10"},
		{"ipv4 after ipv6", []string{"fe80::1", "192.168.1.10"}, "192.168.1.10"},
		{"ipv6 only", []string{"fe80::1", "fe80::2"}, "fe80::1"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickAddress(tt.addresses))
		})
	}
}

func TestTXTMetadata(t *testing.T) {
	rec := record("desk-a", "192.168.1.10", 3847)
	rec.TXT = []string{"name=Front Office", "version=2.4.1"}

	b := &fakeBrowser{script: []scripted{{after: time.Millisecond, record: rec}}}
	svc := newTestService(b)

	endpoints, err := svc.Discover(context.Background(), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "Front Office", endpoints[0].Name)
	assert.Equal(t, "2.4.1", endpoints[0].Version)
}
