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

// Package matcher turns a normalized domain.Event into the ordered set of
// Deliveries owed to matching webhook subscriptions (spec.md §4.3): a
// webhook matches when it is active, its workspace allowlist (if any)
// contains the event's workspace, and either its filter list is empty
// (matches every event type) or at least one of its filter globs matches
// the event type.
package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

// SubscriptionMatcher matches events against a snapshot of webhooks supplied
// by webhookregistry.Registry. It caches compiled filter globs per webhook ID
// so repeated Match calls against an unchanged registry snapshot don't
// recompile regexps on every event.
type SubscriptionMatcher struct {
	mu    sync.Mutex
	cache map[string]compiledFilters
}

type compiledFilters struct {
	patterns []*regexp.Regexp
	exact    []string
}

// New returns a ready-to-use SubscriptionMatcher.
func New() *SubscriptionMatcher {
	return &SubscriptionMatcher{cache: make(map[string]compiledFilters)}
}

// Match returns one pending Delivery per webhook in webhooks that matches
// event, in the order webhooks were supplied. Each Delivery starts life at
// attempt 1, status pending, with NextAttemptAt set to now.
func (m *SubscriptionMatcher) Match(event domain.Event, webhooks []domain.Webhook, now time.Time) []domain.Delivery {
	var deliveries []domain.Delivery

	for _, wh := range webhooks {
		if !wh.Active {
			continue
		}
		if !workspaceAllowed(wh.Workspaces, event.Workspace) {
			continue
		}
		if !m.filtersMatch(wh, event.EventType) {
			continue
		}

		deliveries = append(deliveries, domain.Delivery{
			DeliveryID:    domain.NewID(),
			EventID:       event.EventID,
			WebhookID:     wh.ID,
			Attempt:       1,
			Status:        domain.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
			Event:         event,
		})
	}

	return deliveries
}

// workspaceAllowed reports whether allowlist permits workspace. An empty
// allowlist means "all workspaces" (spec.md §4.3).
func workspaceAllowed(allowlist []string, workspace string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, w := range allowlist {
		if w == workspace {
			return true
		}
	}

	return false
}

func (m *SubscriptionMatcher) filtersMatch(wh domain.Webhook, eventType string) bool {
	if len(wh.Filters) == 0 {
		return true
	}

	filters := m.compiledFor(wh)

	for _, exact := range filters.exact {
		if exact == eventType {
			return true
		}
	}
	for _, re := range filters.patterns {
		if re.MatchString(eventType) {
			return true
		}
	}

	return false
}

// compiledFor returns the compiled glob set for wh, building and caching it
// on first use (or reuse of an ID with unchanged filters — callers that
// rewrite a webhook's filters under the same ID should call Invalidate).
func (m *SubscriptionMatcher) compiledFor(wh domain.Webhook) compiledFilters {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cf, ok := m.cache[wh.ID]; ok {
		return cf
	}

	cf := compileFilters(wh.Filters)
	m.cache[wh.ID] = cf

	return cf
}

// Invalidate drops any cached compiled filters for webhookID, forcing
// recompilation on the next Match. Call this after a webhook's filters are
// edited in place under the same ID.
func (m *SubscriptionMatcher) Invalidate(webhookID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, webhookID)
}

// compileFilters splits filters into exact matches (no "*") and compiled
// glob patterns (containing "*", translated to an anchored regexp).
func compileFilters(filters []string) compiledFilters {
	var cf compiledFilters

	for _, f := range filters {
		if !strings.Contains(f, "*") {
			cf.exact = append(cf.exact, f)

			continue
		}

		if re, err := compileGlob(f); err == nil {
			cf.patterns = append(cf.patterns, re)
		}
	}

	return cf
}

// compileGlob turns a "*"-wildcard filter glob into an anchored regexp, e.g.
// "issue.*" -> "^issue\.[^.]*$" would be too strict for multi-segment
// wildcards, so "*" expands to ".*" rather than a segment-only match,
// matching spec.md §4.3's "issue.*" and "*.deleted" examples.
func compileGlob(glob string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	for _, part := range strings.Split(glob, "*") {
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".*")
	}

	pattern := strings.TrimSuffix(b.String(), ".*") + "$"

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("matcher: compile glob %q: %w", glob, err)
	}

	return re, nil
}
