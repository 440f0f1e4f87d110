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

// Package queue is the durable offline outbox. Domain mutations performed
// while offline are persisted before the enqueue returns and replayed in
// creation order per domain stream once the device is authenticated and
// online again. Delivery is at-least-once; the desktop deduplicates on
// action ID.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/giro-handheld/pkg/logger"
	"github.com/carverauto/giro-handheld/pkg/models"
	"github.com/carverauto/giro-handheld/pkg/state"
	"github.com/carverauto/giro-handheld/pkg/storage"
)

// ErrUnknownAction indicates a retry was requested for an action the
// queue does not hold.
var ErrUnknownAction = errors.New("unknown pending action")

// Requester submits a correlated request to the desktop. Satisfied by
// conn.Manager.
type Requester interface {
	Request(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error)
}

// Online reports current network reachability. Satisfied by
// conn.Reachability implementations.
type Online interface {
	Online() bool
}

// Config tunes queue retry behaviour.
type Config struct {
	// MaxRetries caps recoverable delivery attempts per action before it
	// is marked permanently failed.
	MaxRetries int `json:"max_retries"`
	// RetryBackoff is the delay before the first redelivery attempt;
	// subsequent attempts double it up to MaxRetryBackoff.
	RetryBackoff    models.Duration `json:"retry_backoff"`
	MaxRetryBackoff models.Duration `json:"max_retry_backoff"`
	// AuditLimit bounds the trailing log of synced action IDs.
	AuditLimit int `json:"audit_limit"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}

	if c.RetryBackoff == 0 {
		c.RetryBackoff = models.Duration(2 * time.Second)
	}

	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = models.Duration(5 * time.Minute)
	}

	if c.AuditLimit <= 0 {
		c.AuditLimit = 64
	}

	return nil
}

// AuditEntry records a successfully delivered action.
type AuditEntry struct {
	ID       string            `json:"id"`
	Kind     models.ActionKind `json:"kind"`
	SyncedAt time.Time         `json:"synced_at"`
}

type item struct {
	action *models.PendingAction
	seq    uint64
}

// Queue is the durable offline action queue.
type Queue struct {
	mu       sync.Mutex
	config   Config
	kv       storage.Store
	rt       Requester
	store    *state.Store
	reach    Online
	logger   logger.Logger
	items    map[string]*item
	audit    []AuditEntry
	nextSeq  uint64
	draining bool
	rerun    bool
	now      func() time.Time
}

// NewQueue creates the outbox over durable storage. Load must be called
// before the first Enqueue or Drain.
func NewQueue(config Config, kv storage.Store, rt Requester, st *state.Store, reach Online, log logger.Logger) *Queue {
	_ = config.Validate()

	return &Queue{
		config: config,
		kv:     kv,
		rt:     rt,
		store:  st,
		reach:  reach,
		logger: log,
		items:  make(map[string]*item),
		now:    time.Now,
	}
}

// Load restores persisted pending actions after a restart.
func (q *Queue) Load(ctx context.Context) error {
	keys, err := q.kv.Keys(ctx, storage.KeyPendingActionPrefix)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	loaded := 0

	for _, key := range keys {
		raw, ok, err := q.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}

		var action models.PendingAction
		if err := json.Unmarshal(raw, &action); err != nil {
			q.logger.Warn().Err(err).Str("key", key).Msg("Discarding unreadable pending action")
			_ = q.kv.Delete(ctx, key)

			continue
		}

		q.nextSeq++
		q.items[action.ID] = &item{action: &action, seq: q.nextSeq}
		loaded++
	}

	if loaded > 0 {
		q.logger.Info().Int("actions", loaded).Msg("Restored pending actions")
	}

	return nil
}

// Enqueue records a domain mutation for later delivery. The action is
// written to durable storage before Enqueue returns; a persist failure is
// reported but the action stays queued in memory so it can still drain.
func (q *Queue) Enqueue(ctx context.Context, kind models.ActionKind, payload json.RawMessage) (*models.PendingAction, error) {
	action := &models.PendingAction{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now(),
	}

	persistErr := q.persist(ctx, action)
	if persistErr != nil {
		q.logger.Error().Err(persistErr).Str("kind", string(kind)).Msg("Failed to persist pending action")
	}

	q.mu.Lock()
	q.nextSeq++
	q.items[action.ID] = &item{action: action, seq: q.nextSeq}
	count := len(q.items)
	snapshot := *action
	q.mu.Unlock()

	q.logger.Debug().
		Str("action_id", action.ID).
		Str("kind", string(kind)).
		Int("pending", count).
		Msg("Action enqueued")

	// The caller gets a copy; the queued record keeps mutating under the
	// lock as delivery attempts run.
	return &snapshot, persistErr
}

// Drain replays pending actions in creation order per domain stream. A
// drain already in progress absorbs this call; the queue reruns once the
// current pass completes so newly arrived actions are not missed.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()

	if q.draining {
		q.rerun = true
		q.mu.Unlock()

		return
	}

	q.draining = true
	q.mu.Unlock()

	for {
		q.drainPass(ctx)

		q.mu.Lock()

		if q.rerun && ctx.Err() == nil {
			q.rerun = false
			q.mu.Unlock()

			continue
		}

		q.draining = false
		q.mu.Unlock()

		return
	}
}

// drainPass walks one snapshot of the queue. A stream whose head cannot be
// delivered blocks the rest of that stream; other streams keep going.
func (q *Queue) drainPass(ctx context.Context) {
	pending := q.pendingSorted()
	if len(pending) == 0 {
		return
	}

	now := q.now()
	blocked := make(map[string]bool)

	for i := range pending {
		action := pending[i]
		stream := action.Kind.Stream()
		if blocked[stream] {
			continue
		}

		if action.NextAttempt.After(now) {
			blocked[stream] = true
			continue
		}

		// Connectivity and authentication are re-checked before every
		// send; a mid-drain drop leaves the remaining actions untouched.
		if ctx.Err() != nil || !q.reach.Online() ||
			q.store.ConnectionState() != models.StateAuthenticated {
			return
		}

		if !q.deliver(ctx, action) {
			return
		}

		if q.isBlocked(action.ID) {
			blocked[stream] = true
		}
	}
}

// deliver sends one action. Returns false when the whole drain must stop.
func (q *Queue) deliver(ctx context.Context, action models.PendingAction) bool {
	_, err := q.rt.Request(ctx, string(action.Kind), action.Payload)
	if err == nil {
		q.markSynced(ctx, action)
		return true
	}

	code := models.CodeOf(err)

	switch {
	case code == models.ErrCodeAuthFailed:
		// Token went stale mid-drain. Defer the whole drain without
		// consuming a retry; the next authenticated transition re-triggers.
		q.logger.Warn().Str("action_id", action.ID).Msg("Drain deferred pending re-authentication")
		return false

	case code == models.ErrCodeValidationRejected:
		q.markFailed(ctx, action, err, false)
		return true

	case code.Retriable() || errors.Is(err, context.DeadlineExceeded):
		q.markRetry(ctx, action, err)
		return true

	default:
		q.markFailed(ctx, action, err, true)
		return true
	}
}

func (q *Queue) markSynced(ctx context.Context, action models.PendingAction) {
	q.mu.Lock()
	delete(q.items, action.ID)

	q.audit = append(q.audit, AuditEntry{ID: action.ID, Kind: action.Kind, SyncedAt: q.now()})
	if len(q.audit) > q.config.AuditLimit {
		q.audit = q.audit[len(q.audit)-q.config.AuditLimit:]
	}
	q.mu.Unlock()

	if err := q.kv.Delete(ctx, storage.KeyPendingActionPrefix+action.ID); err != nil {
		q.logger.Warn().Err(err).Str("action_id", action.ID).Msg("Failed to remove synced action")
	}

	q.logger.Debug().Str("action_id", action.ID).Str("kind", string(action.Kind)).Msg("Action synced")
}

func (q *Queue) markRetry(ctx context.Context, action models.PendingAction, cause error) {
	q.mu.Lock()

	it, ok := q.items[action.ID]
	if !ok {
		q.mu.Unlock()
		return
	}

	it.action.RetryCount++
	it.action.LastError = cause.Error()

	if it.action.RetryCount >= q.config.MaxRetries {
		it.action.Failed = true
		it.action.NextAttempt = time.Time{}
	} else {
		it.action.NextAttempt = q.now().Add(q.retryDelay(it.action.RetryCount))
	}

	snapshot := *it.action
	q.mu.Unlock()

	if snapshot.Failed {
		q.logger.Error().
			Str("action_id", snapshot.ID).
			Int("retries", snapshot.RetryCount).
			Str("error", snapshot.LastError).
			Msg("Action permanently failed after retries")
	} else {
		q.logger.Warn().
			Str("action_id", snapshot.ID).
			Int("retry_count", snapshot.RetryCount).
			Time("next_attempt", snapshot.NextAttempt).
			Msg("Action delivery failed, will retry")
	}

	if err := q.persist(ctx, &snapshot); err != nil {
		q.logger.Warn().Err(err).Str("action_id", snapshot.ID).Msg("Failed to persist retry state")
	}
}

func (q *Queue) markFailed(ctx context.Context, action models.PendingAction, cause error, countAttempt bool) {
	q.mu.Lock()

	it, ok := q.items[action.ID]
	if !ok {
		q.mu.Unlock()
		return
	}

	if countAttempt {
		it.action.RetryCount++
	}

	it.action.Failed = true
	it.action.LastError = cause.Error()
	it.action.NextAttempt = time.Time{}
	snapshot := *it.action
	q.mu.Unlock()

	q.logger.Error().
		Str("action_id", snapshot.ID).
		Str("kind", string(snapshot.Kind)).
		Str("error", snapshot.LastError).
		Msg("Action rejected, not retrying")

	if err := q.persist(ctx, &snapshot); err != nil {
		q.logger.Warn().Err(err).Str("action_id", snapshot.ID).Msg("Failed to persist failure state")
	}
}

// RetryFailed puts a permanently failed action back into rotation with a
// fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context, id string) error {
	q.mu.Lock()

	it, ok := q.items[id]
	if !ok || !it.action.Failed {
		q.mu.Unlock()
		return ErrUnknownAction
	}

	it.action.Failed = false
	it.action.RetryCount = 0
	it.action.LastError = ""
	it.action.NextAttempt = time.Time{}
	snapshot := *it.action
	q.mu.Unlock()

	return q.persist(ctx, &snapshot)
}

// Pending returns unsynced, not permanently failed actions in creation
// order.
func (q *Queue) Pending() []models.PendingAction {
	return q.filter(func(a *models.PendingAction) bool { return !a.Failed })
}

// FailedActions returns actions that exhausted their retries or were
// rejected outright.
func (q *Queue) FailedActions() []models.PendingAction {
	return q.filter(func(a *models.PendingAction) bool { return a.Failed })
}

// Audit returns the bounded trailing log of synced actions, oldest first.
func (q *Queue) Audit() []AuditEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]AuditEntry, len(q.audit))
	copy(out, q.audit)

	return out
}

// Len reports the number of unsynced actions, failed included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// filter copies matching actions while holding the lock; a concurrent
// drain mutates retry state on the queued records, never on the copies.
func (q *Queue) filter(keep func(*models.PendingAction) bool) []models.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	selected := make([]*item, 0, len(q.items))
	for _, it := range q.items {
		if keep(it.action) {
			selected = append(selected, it)
		}
	}

	sortItems(selected)

	out := make([]models.PendingAction, 0, len(selected))
	for _, it := range selected {
		out = append(out, *it.action)
	}

	return out
}

// pendingSorted snapshots drainable actions in creation order. The pass
// works on copies; every state change goes back through the lock by ID.
func (q *Queue) pendingSorted() []models.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	selected := make([]*item, 0, len(q.items))
	for _, it := range q.items {
		if !it.action.Failed {
			selected = append(selected, it)
		}
	}

	sortItems(selected)

	out := make([]models.PendingAction, 0, len(selected))
	for _, it := range selected {
		out = append(out, *it.action)
	}

	return out
}

func (q *Queue) isBlocked(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]

	return ok && !it.action.Failed
}

func (q *Queue) retryDelay(retry int) time.Duration {
	delay := time.Duration(q.config.RetryBackoff)
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= time.Duration(q.config.MaxRetryBackoff) {
			return time.Duration(q.config.MaxRetryBackoff)
		}
	}

	return delay
}

func (q *Queue) persist(ctx context.Context, action *models.PendingAction) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return err
	}

	return q.kv.Put(ctx, storage.KeyPendingActionPrefix+action.ID, raw)
}

func sortItems(items []*item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.action.CreatedAt.Equal(b.action.CreatedAt) {
			return a.seq < b.seq
		}

		return a.action.CreatedAt.Before(b.action.CreatedAt)
	})
}
