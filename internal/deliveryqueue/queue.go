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

// Package deliveryqueue implements the claim/complete protocol and retry
// schedule of spec.md §4.4, on top of a store.DeliveryStore for durable
// state and a store.DLQ for deliveries that exhaust their retry budget.
package deliveryqueue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
)

// Config holds the retry-schedule knobs of spec.md §4.4.
type Config struct {
	BaseMs      int64
	CapMs       int64
	MaxAttempts int
}

// withDefaults fills zero-valued fields with spec.md §4.4's defaults.
func (c Config) withDefaults() Config {
	if c.BaseMs <= 0 {
		c.BaseMs = 1000
	}
	if c.CapMs <= 0 {
		c.CapMs = 3_600_000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}

	return c
}

// Queue is the durable delivery queue: Enqueue persists newly matched
// deliveries, Claim hands a batch of due deliveries to a worker, and
// Complete records the worker's outcome, computing the next retry or
// sinking to the DLQ once the retry budget is exhausted.
type Queue struct {
	events     store.EventStore
	deliveries store.DeliveryStore
	dlq        store.DLQ
	cfg        Config
}

// New builds a Queue. events and deliveries are required; dlq may be nil in
// configurations that choose to drop exhausted deliveries (not recommended).
func New(events store.EventStore, deliveries store.DeliveryStore, dlq store.DLQ, cfg Config) *Queue {
	return &Queue{events: events, deliveries: deliveries, dlq: dlq, cfg: cfg.withDefaults()}
}

// Enqueue durably persists event together with the deliveries the matcher
// produced for it, in a single atomic write (spec.md §4.3/§4.4).
func (q *Queue) Enqueue(ctx context.Context, event domain.Event, deliveries []domain.Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	if err := q.events.Persist(ctx, event, deliveries); err != nil {
		return fmt.Errorf("deliveryqueue: enqueue: %w", err)
	}

	return nil
}

// Claim returns up to batch deliveries due for an attempt at or before now.
func (q *Queue) Claim(ctx context.Context, batch int, now time.Time) ([]domain.Delivery, error) {
	claimed, err := q.deliveries.Claim(ctx, batch, now)
	if err != nil {
		return nil, fmt.Errorf("deliveryqueue: claim: %w", err)
	}

	return claimed, nil
}

// Outcome is what a Dispatcher reports after attempting a delivery.
type Outcome struct {
	Success           bool
	Permanent         bool
	ResponseCode      int
	ResponseLatencyMs int64
	Err               error
	// RetryAfter overrides the computed backoff delay when the endpoint sent
	// a Retry-After header (spec.md §4.6, 408/425/429 handling).
	RetryAfter time.Duration
}

// Complete records outcome for delivery, transitioning it to succeeded,
// scheduling a retry, or sinking it to dead/DLQ once maxAttempts is
// exhausted (spec.md §4.4).
func (q *Queue) Complete(ctx context.Context, delivery domain.Delivery, event domain.Event, outcome Outcome, errorHistory []string, now time.Time) error {
	switch {
	case outcome.Success:
		return q.complete(ctx, delivery.DeliveryID, store.DeliveryOutcome{
			Status:            domain.DeliverySucceeded,
			ResponseCode:      outcome.ResponseCode,
			ResponseLatencyMs: outcome.ResponseLatencyMs,
		})

	case outcome.Permanent || delivery.Attempt >= q.cfg.MaxAttempts:
		if err := q.complete(ctx, delivery.DeliveryID, store.DeliveryOutcome{
			Status:            domain.DeliveryDead,
			ResponseCode:      outcome.ResponseCode,
			ResponseLatencyMs: outcome.ResponseLatencyMs,
			LastError:         errString(outcome.Err),
		}); err != nil {
			return err
		}

		return q.sinkDLQ(ctx, event, delivery, errorHistory, outcome.Err)

	default:
		delay := outcome.RetryAfter
		if delay <= 0 {
			delay = q.delay(delivery.Attempt)
		} else if capMs := time.Duration(q.cfg.CapMs) * time.Millisecond; delay > capMs {
			// A Retry-After-derived delay is still bound by spec.md §4.6 step
			// 5's cap: an endpoint returning an oversized value can't push a
			// retry out further than the configured backoff ceiling.
			delay = capMs
		}
		next := now.Add(delay)

		return q.complete(ctx, delivery.DeliveryID, store.DeliveryOutcome{
			Status:            domain.DeliveryFailed,
			ResponseCode:      outcome.ResponseCode,
			ResponseLatencyMs: outcome.ResponseLatencyMs,
			LastError:         errString(outcome.Err),
			NextAttemptAt:     &next,
		})
	}
}

// Requeue puts deliveryID back to pending at now+delay without consuming any
// of its retry budget. Used when a worker can't acquire a webhook's
// per-webhook mutex (spec.md §4.6 step 2) — the claim itself wasn't an
// attempt, so it must not count toward maxAttempts.
func (q *Queue) Requeue(ctx context.Context, deliveryID string, delay time.Duration, now time.Time) error {
	next := now.Add(delay)

	return q.complete(ctx, deliveryID, store.DeliveryOutcome{
		Status:        domain.DeliveryPending,
		NextAttemptAt: &next,
	})
}

func (q *Queue) complete(ctx context.Context, deliveryID string, outcome store.DeliveryOutcome) error {
	if err := q.deliveries.Complete(ctx, deliveryID, outcome); err != nil {
		return fmt.Errorf("deliveryqueue: complete %s: %w", deliveryID, err)
	}

	return nil
}

func (q *Queue) sinkDLQ(ctx context.Context, event domain.Event, delivery domain.Delivery, errorHistory []string, cause error) error {
	if q.dlq == nil {
		return nil
	}

	history := errorHistory
	if cause != nil {
		history = append(append([]string{}, errorHistory...), cause.Error())
	}

	if err := q.dlq.Push(ctx, event, delivery, history); err != nil {
		return fmt.Errorf("deliveryqueue: dlq push %s: %w", delivery.DeliveryID, err)
	}

	return nil
}

// ReapExpiredLeases reverts inflight deliveries whose lease expired back to
// pending, so another worker can claim them (spec.md §4.4/§4.7 maintenance).
func (q *Queue) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	n, err := q.deliveries.ReapExpiredLeases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("deliveryqueue: reap expired leases: %w", err)
	}

	return n, nil
}

// delay implements spec.md §4.4's retry schedule:
// delay(attempt) = min(baseMs*2^(attempt-1), capMs) * (1 + rand[-0.2, 0.2]).
func (q *Queue) delay(attempt int) time.Duration {
	exp := float64(attempt - 1)
	base := float64(q.cfg.BaseMs) * pow2(exp)
	capped := base
	if capped > float64(q.cfg.CapMs) {
		capped = float64(q.cfg.CapMs)
	}

	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	ms := capped * jitter

	return time.Duration(ms) * time.Millisecond
}

func pow2(exp float64) float64 {
	result := 1.0
	for i := 0.0; i < exp; i++ {
		result *= 2
	}

	return result
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
