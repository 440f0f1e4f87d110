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
	"sync"

	"github.com/carverauto/giro-handheld/pkg/events"
	"github.com/carverauto/giro-handheld/pkg/logger"
)

// Reachability reports device network reachability. Going offline is an
// immediate forcing function into reconnecting/queued mode regardless of
// socket state.
type Reachability interface {
	Online() bool
	OnChange(fn func(online bool)) func()
}

// StaticReachability is a manually driven Reachability, used when the
// platform exposes connectivity callbacks and in tests.
type StaticReachability struct {
	mu      sync.RWMutex
	online  bool
	changed *events.Notifier[bool]
}

func NewStaticReachability(online bool, log logger.Logger) *StaticReachability {
	return &StaticReachability{
		online:  online,
		changed: events.NewNotifier[bool](log),
	}
}

func (r *StaticReachability) Online() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.online
}

// SetOnline flips reachability and notifies subscribers on change.
func (r *StaticReachability) SetOnline(online bool) {
	r.mu.Lock()

	if r.online == online {
		r.mu.Unlock()
		return
	}

	r.online = online
	r.mu.Unlock()

	r.changed.Notify(online)
}

func (r *StaticReachability) OnChange(fn func(online bool)) func() {
	return r.changed.Subscribe(fn)
}
