// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webhookregistry keeps an in-memory, copy-on-write snapshot of
// active webhook subscriptions (spec.md §4.3, §9, §5): the admin API is the
// single writer, and every reader (SubscriptionMatcher) gets an immutable
// snapshot: readers hold the read lock only to fetch the current slice, and
// searching it happens outside the lock.
package webhookregistry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
)

// Registry is a thread-safe, copy-on-write cache of webhook subscriptions,
// in the style of lib/localcache.LocalDataCache from the teacher, specialized
// to the single "all active webhooks" key this service needs.
type Registry struct {
	loader     store.WebhookLoader
	invalidate func(webhookID string)

	mu       sync.RWMutex
	webhooks []domain.Webhook
}

func NewRegistry(loader store.WebhookLoader) *Registry {
	return &Registry{loader: loader}
}

// OnFiltersChanged registers fn to be called, once per webhook ID, whenever
// Reload finds that an existing row's Filters changed since the previous
// snapshot. SubscriptionMatcher wires its own Invalidate here so an edited
// webhook's compiled glob cache (internal/matcher) never goes stale between
// reloads (spec.md §4.3, §9).
func (r *Registry) OnFiltersChanged(fn func(webhookID string)) {
	r.invalidate = fn
}

// Reload fetches the current webhook set from the loader and atomically
// publishes it as the new snapshot. Call this at startup and whenever the
// admin API signals a mutation (spec.md §4.3, §6 notification channel).
func (r *Registry) Reload(ctx context.Context) error {
	webhooks, err := r.loader.LoadWebhooks(ctx)
	if err != nil {
		return fmt.Errorf("webhookregistry: reload: %w", err)
	}

	snapshot := make([]domain.Webhook, len(webhooks))
	copy(snapshot, webhooks)

	r.mu.Lock()
	previous := r.webhooks
	r.webhooks = snapshot
	r.mu.Unlock()

	r.notifyFilterChanges(previous, snapshot)

	return nil
}

// notifyFilterChanges diffs previous against next by webhook ID and invokes
// r.invalidate for any row whose Filters changed in place, so a matcher
// cache keyed by webhook ID is never left serving a stale compiled glob set.
func (r *Registry) notifyFilterChanges(previous, next []domain.Webhook) {
	if r.invalidate == nil {
		return
	}

	prevFilters := make(map[string][]string, len(previous))
	for _, wh := range previous {
		prevFilters[wh.ID] = wh.Filters
	}

	for _, wh := range next {
		if old, ok := prevFilters[wh.ID]; ok && !slices.Equal(old, wh.Filters) {
			r.invalidate(wh.ID)
		}
	}
}

// Snapshot returns the current immutable webhook slice. Callers must not
// mutate the returned slice's elements in place; Registry never does.
func (r *Registry) Snapshot() []domain.Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.webhooks
}

// ByID returns the webhook with the given id from the current snapshot, if
// present and active or not (callers decide what to do with inactive rows).
func (r *Registry) ByID(id string) (domain.Webhook, bool) {
	for _, w := range r.Snapshot() {
		if w.ID == id {
			return w, true
		}
	}

	return domain.Webhook{}, false
}

// WatchMutations starts a goroutine that calls Reload every time notify
// fires, until ctx is cancelled. notify is typically backed by the admin
// API's mutation channel (spec.md §6).
func (r *Registry) WatchMutations(ctx context.Context, notify <-chan struct{}) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
				if err := r.Reload(ctx); err != nil {
					slog.ErrorContext(ctx, "webhook registry reload failed", "error", err)
				}
			}
		}
	}()
}
