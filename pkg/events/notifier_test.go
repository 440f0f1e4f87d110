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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carverauto/giro-handheld/pkg/logger"
)

func TestNotifyInSubscriptionOrder(t *testing.T) {
	n := NewNotifier[int](logger.NewTestLogger())

	var order []string

	n.Subscribe(func(int) { order = append(order, "first") })
	n.Subscribe(func(int) { order = append(order, "second") })
	n.Subscribe(func(int) { order = append(order, "third") })

	n.Notify(1)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestUnsubscribe(t *testing.T) {
	n := NewNotifier[string](logger.NewTestLogger())

	calls := 0
	unsub := n.Subscribe(func(string) { calls++ })

	n.Notify("a")
	unsub()
	unsub() // double unsubscribe is safe
	n.Notify("b")

	assert.Equal(t, 1, calls)
	assert.Zero(t, n.Len())
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	n := NewNotifier[int](logger.NewTestLogger())

	after := 0

	n.Subscribe(func(int) { panic("subscriber bug") })
	n.Subscribe(func(int) { after++ })

	assert.NotPanics(t, func() { n.Notify(42) })
	assert.Equal(t, 1, after)
}

func TestClearRemovesAllSubscribers(t *testing.T) {
	n := NewNotifier[int](logger.NewTestLogger())

	calls := 0

	n.Subscribe(func(int) { calls++ })
	n.Subscribe(func(int) { calls++ })

	n.Clear()
	n.Notify(1)

	assert.Zero(t, calls)
	assert.Zero(t, n.Len())
}

func TestNotifyWithNoSubscribers(t *testing.T) {
	n := NewNotifier[struct{}](logger.NewTestLogger())

	assert.NotPanics(t, func() { n.Notify(struct{}{}) })
}
