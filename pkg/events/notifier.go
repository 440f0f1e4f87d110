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

// Package events provides a small listener fan-out used by the discovery
// service and the state store. A listener that panics is isolated: the
// panic is recovered and logged, and remaining listeners still run.
package events

import (
	"sync"

	"github.com/carverauto/giro-handheld/pkg/logger"
)

// Notifier fans an event out to an ordered set of subscribers.
type Notifier[T any] struct {
	mu        sync.Mutex
	nextID    int
	order     []int
	listeners map[int]func(T)
	logger    logger.Logger
}

func NewNotifier[T any](log logger.Logger) *Notifier[T] {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Notifier[T]{
		listeners: make(map[int]func(T)),
		logger:    log,
	}
}

// Subscribe registers fn and returns an unsubscribe function. Unsubscribing
// twice is safe.
func (n *Notifier[T]) Subscribe(fn func(T)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	n.order = append(n.order, id)

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		if _, ok := n.listeners[id]; !ok {
			return
		}

		delete(n.listeners, id)

		for i, v := range n.order {
			if v == id {
				n.order = append(n.order[:i], n.order[i+1:]...)
				break
			}
		}
	}
}

// Notify invokes every subscriber in registration order.
func (n *Notifier[T]) Notify(event T) {
	n.mu.Lock()
	fns := make([]func(T), 0, len(n.order))

	for _, id := range n.order {
		if fn, ok := n.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()

	for _, fn := range fns {
		n.safeInvoke(fn, event)
	}
}

func (n *Notifier[T]) safeInvoke(fn func(T), event T) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Interface("panic", r).Msg("Event listener panicked")
		}
	}()

	fn(event)
}

// Len returns the number of active subscribers.
func (n *Notifier[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.listeners)
}

// Clear removes all subscribers.
func (n *Notifier[T]) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.listeners = make(map[int]func(T))
	n.order = nil
}
