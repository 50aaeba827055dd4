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

// Package store declares the contracts this service expects from its
// external collaborators: persistence, the admin API's webhook source,
// and the dead-letter sink. spec.md §1 places the implementations of
// these interfaces out of scope; this package exists so the rest of
// the module can depend on stable Go interfaces instead of a concrete
// database client.
package store

import (
	"context"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

// ResumeStore persists the last processed change-stream position.
type ResumeStore interface {
	// Load returns the last saved resume token for partitionID, or ("", nil)
	// if none has ever been saved.
	Load(ctx context.Context, partitionID string) (string, error)
	Save(ctx context.Context, checkpoint domain.ResumeCheckpoint) error
}

// EventStore durably persists an Event together with the Deliveries matched
// for it, in a single atomic write (spec.md §4.3/§4.4).
type EventStore interface {
	Persist(ctx context.Context, event domain.Event, deliveries []domain.Delivery) error
}

// DeliveryOutcome is what the Dispatcher reports back to the DeliveryStore
// after attempting a delivery.
type DeliveryOutcome struct {
	Status            domain.DeliveryStatus
	ResponseCode      int
	ResponseLatencyMs int64
	LastError         string
	NextAttemptAt     *time.Time
}

// DeliveryStore implements the claim/complete protocol of spec.md §4.4.
type DeliveryStore interface {
	// Claim returns up to batch pending deliveries whose NextAttemptAt <= now,
	// marking them inflight with a lease.
	Claim(ctx context.Context, batch int, now time.Time) ([]domain.Delivery, error)
	// Complete records a terminal or retryable outcome for deliveryID.
	Complete(ctx context.Context, deliveryID string, outcome DeliveryOutcome) error
	// ReapExpiredLeases reverts any inflight delivery whose lease has expired
	// back to pending so another worker can claim it.
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)
}

// WebhookLoader is the admin API's read side: it is queried once at startup
// and whenever the admin API signals a mutation.
type WebhookLoader interface {
	LoadWebhooks(ctx context.Context) ([]domain.Webhook, error)
}

// DLQ is the terminal sink for deliveries that exhausted retries.
type DLQ interface {
	Push(ctx context.Context, event domain.Event, delivery domain.Delivery, errorHistory []string) error
}
