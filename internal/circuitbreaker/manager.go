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

package circuitbreaker

import (
	"sync"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

// Manager lazily creates and caches one Breaker per webhook ID, applying the
// shared base config plus that webhook's overrides. It satisfies
// dispatcher.Breakers.
type Manager struct {
	base   Config
	events chan Event

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds a Manager. events may be nil.
func NewManager(base Config, events chan Event) *Manager {
	return &Manager{base: base, events: events, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for webhook, creating it on first use.
func (m *Manager) For(webhook domain.Webhook) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[webhook.ID]; ok {
		return b
	}

	b := New(webhook.ID, m.base, webhook.CircuitBreakerOverrides, m.events)
	m.breakers[webhook.ID] = b

	return b
}

// Get returns the breaker for webhookID if one has been created, for
// admin endpoints that force/reset an existing breaker without implicitly
// creating one for an unknown webhook.
func (m *Manager) Get(webhookID string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[webhookID]

	return b, ok
}

// Snapshot returns a point-in-time map of webhookID -> state, for the
// periodic CB stats rollup (spec.md §5).
func (m *Manager) Snapshot(now time.Time) map[string]State {
	m.mu.Lock()
	breakers := make(map[string]*Breaker, len(m.breakers))
	for id, b := range m.breakers {
		breakers[id] = b
	}
	m.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for id, b := range breakers {
		out[id] = b.State(now)
	}

	return out
}
