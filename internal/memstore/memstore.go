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

// Package memstore is an in-process implementation of the store
// interfaces (spec.md places the persistence layer itself out of scope;
// this package exists so cmd/webhookd can run standalone against an
// in-memory backend for local development and the component tests in
// this repository, not as a production substitute for a real database).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
)

// Store bundles an in-memory ResumeStore, EventStore, DeliveryStore, and
// DLQ behind a single mutex. It satisfies store.ResumeStore, store.EventStore,
// store.DeliveryStore, and store.DLQ.
type Store struct {
	mu sync.Mutex

	checkpoints map[string]domain.ResumeCheckpoint
	events      map[string]domain.Event
	deliveries  map[string]domain.Delivery
	webhooks    map[string]domain.Webhook
	leaseMs     int64
	dlq         []DLQEntry
}

// DLQEntry is one dead-lettered delivery retained in memory for inspection.
type DLQEntry struct {
	Event        domain.Event
	Delivery     domain.Delivery
	ErrorHistory []string
}

// New builds an empty Store. leaseMs controls how long a Claim holds a
// delivery inflight before ReapExpiredLeases reclaims it.
func New(leaseMs int64) *Store {
	if leaseMs <= 0 {
		leaseMs = 60000
	}

	return &Store{
		checkpoints: make(map[string]domain.ResumeCheckpoint),
		events:      make(map[string]domain.Event),
		deliveries:  make(map[string]domain.Delivery),
		webhooks:    make(map[string]domain.Webhook),
		leaseMs:     leaseMs,
	}
}

// Load implements store.ResumeStore.
func (s *Store) Load(_ context.Context, partitionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpoints[partitionID].ResumeToken, nil
}

// Save implements store.ResumeStore.
func (s *Store) Save(_ context.Context, checkpoint domain.ResumeCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.PartitionID] = checkpoint

	return nil
}

// Persist implements store.EventStore.
func (s *Store) Persist(_ context.Context, event domain.Event, deliveries []domain.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.EventID] = event
	for _, d := range deliveries {
		if d.DeliveryID == "" {
			d.DeliveryID = domain.NewID()
		}
		s.deliveries[d.DeliveryID] = d
	}

	return nil
}

// LoadWebhooks implements store.WebhookLoader by returning the webhooks
// registered via Seed, sorted by ID (an empty set if none were seeded); a
// real deployment supplies webhooks through the admin API (out of scope
// here).
func (s *Store) LoadWebhooks(context.Context) ([]domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Webhook, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// Seed registers a webhook for LoadWebhooks to return, for local runs and
// tests that don't have an admin API available.
func (s *Store) Seed(webhooks ...domain.Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range webhooks {
		s.webhooks[w.ID] = w
	}
}

// Claim implements store.DeliveryStore.
func (s *Store) Claim(_ context.Context, batch int, now time.Time) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Delivery
	for _, d := range s.deliveries {
		if d.Status == domain.DeliveryPending && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].DeliveryID < due[j].DeliveryID
		}

		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if len(due) > batch {
		due = due[:batch]
	}

	claimed := make([]domain.Delivery, 0, len(due))
	for _, d := range due {
		d.Status = domain.DeliveryInflight
		d.LeaseExpiresAt = now.Add(time.Duration(s.leaseMs) * time.Millisecond)
		d.UpdatedAt = now
		s.deliveries[d.DeliveryID] = d
		claimed = append(claimed, d)
	}

	return claimed, nil
}

// Complete implements store.DeliveryStore.
func (s *Store) Complete(_ context.Context, deliveryID string, outcome store.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil
	}

	d.Status = outcome.Status
	d.ResponseCode = outcome.ResponseCode
	d.ResponseLatencyMs = outcome.ResponseLatencyMs
	if outcome.LastError != "" {
		d.ErrorHistory = append(d.ErrorHistory, outcome.LastError)
	}
	d.LastError = outcome.LastError
	d.UpdatedAt = time.Now()
	if outcome.NextAttemptAt != nil {
		d.NextAttemptAt = *outcome.NextAttemptAt
		// A requeue (Status pending) was not an attempt and keeps its count.
		if outcome.Status == domain.DeliveryFailed {
			d.Attempt++
		}
	}
	s.deliveries[deliveryID] = d

	return nil
}

// ReapExpiredLeases implements store.DeliveryStore.
func (s *Store) ReapExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, d := range s.deliveries {
		if d.Status == domain.DeliveryInflight && d.LeaseExpiresAt.Before(now) {
			d.Status = domain.DeliveryPending
			d.NextAttemptAt = now
			s.deliveries[id] = d
			n++
		}
	}

	return n, nil
}

// Push implements store.DLQ.
func (s *Store) Push(_ context.Context, event domain.Event, delivery domain.Delivery, errorHistory []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlq = append(s.dlq, DLQEntry{Event: event, Delivery: delivery, ErrorHistory: errorHistory})

	return nil
}

// DeadLettered returns a snapshot of everything pushed to the DLQ so far.
func (s *Store) DeadLettered() []DLQEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DLQEntry, len(s.dlq))
	copy(out, s.dlq)

	return out
}
