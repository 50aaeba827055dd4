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

package deliveryqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
)

type fakeEventStore struct {
	persisted int
}

func (f *fakeEventStore) Persist(context.Context, domain.Event, []domain.Delivery) error {
	f.persisted++

	return nil
}

type fakeDeliveryStore struct {
	completed map[string]store.DeliveryOutcome
	reaped    int
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{completed: make(map[string]store.DeliveryOutcome)}
}

func (f *fakeDeliveryStore) Claim(context.Context, int, time.Time) ([]domain.Delivery, error) {
	return nil, nil
}

func (f *fakeDeliveryStore) Complete(_ context.Context, deliveryID string, outcome store.DeliveryOutcome) error {
	f.completed[deliveryID] = outcome

	return nil
}

func (f *fakeDeliveryStore) ReapExpiredLeases(context.Context, time.Time) (int, error) {
	f.reaped++

	return f.reaped, nil
}

type fakeDLQ struct {
	pushed []domain.Delivery
}

func (f *fakeDLQ) Push(_ context.Context, _ domain.Event, delivery domain.Delivery, _ []string) error {
	f.pushed = append(f.pushed, delivery)

	return nil
}

func TestQueueCompleteSuccess(t *testing.T) {
	ds := newFakeDeliveryStore()
	q := New(&fakeEventStore{}, ds, &fakeDLQ{}, Config{})

	d := domain.Delivery{DeliveryID: "d1", Attempt: 1}
	if err := q.Complete(context.Background(), d, domain.Event{}, Outcome{Success: true, ResponseCode: 200}, nil, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := ds.completed["d1"]
	if got.Status != domain.DeliverySucceeded {
		t.Fatalf("expected succeeded, got %v", got.Status)
	}
}

func TestQueueCompleteRetryableSchedulesNextAttempt(t *testing.T) {
	ds := newFakeDeliveryStore()
	q := New(&fakeEventStore{}, ds, &fakeDLQ{}, Config{BaseMs: 1000, CapMs: 3_600_000, MaxAttempts: 8})

	d := domain.Delivery{DeliveryID: "d1", Attempt: 2}
	now := time.Now()
	err := q.Complete(context.Background(), d, domain.Event{}, Outcome{Err: errors.New("timeout")}, nil, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := ds.completed["d1"]
	if got.Status != domain.DeliveryFailed {
		t.Fatalf("expected failed, got %v", got.Status)
	}
	if got.NextAttemptAt == nil {
		t.Fatal("expected NextAttemptAt to be set")
	}

	// delay(2) = min(1000*2^1, cap) * [0.8,1.2] = [1600ms, 2400ms]
	delta := got.NextAttemptAt.Sub(now)
	if delta < 1600*time.Millisecond || delta > 2400*time.Millisecond {
		t.Fatalf("delay out of expected range: %v", delta)
	}
}

func TestQueueCompleteRetryAfterClampedToCapMs(t *testing.T) {
	ds := newFakeDeliveryStore()
	q := New(&fakeEventStore{}, ds, &fakeDLQ{}, Config{BaseMs: 1000, CapMs: 60_000, MaxAttempts: 8})

	d := domain.Delivery{DeliveryID: "d1", Attempt: 2}
	now := time.Now()
	outcome := Outcome{RetryAfter: 999_999 * time.Second, ResponseCode: 429}
	if err := q.Complete(context.Background(), d, domain.Event{}, outcome, nil, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := ds.completed["d1"]
	if got.NextAttemptAt == nil {
		t.Fatal("expected NextAttemptAt to be set")
	}
	if delta := got.NextAttemptAt.Sub(now); delta > 60*time.Second {
		t.Fatalf("expected Retry-After delay clamped to capMs (60s), got %v", delta)
	}
}

func TestQueueCompletePermanentGoesDeadAndSinksDLQ(t *testing.T) {
	ds := newFakeDeliveryStore()
	dlq := &fakeDLQ{}
	q := New(&fakeEventStore{}, ds, dlq, Config{})

	d := domain.Delivery{DeliveryID: "d1", Attempt: 1}
	err := q.Complete(context.Background(), d, domain.Event{}, Outcome{Permanent: true, ResponseCode: 400, Err: errors.New("bad request")}, nil, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ds.completed["d1"].Status != domain.DeliveryDead {
		t.Fatalf("expected dead, got %v", ds.completed["d1"].Status)
	}
	if len(dlq.pushed) != 1 {
		t.Fatalf("expected one DLQ push, got %d", len(dlq.pushed))
	}
}

func TestQueueCompleteExhaustedAttemptsGoesDead(t *testing.T) {
	ds := newFakeDeliveryStore()
	dlq := &fakeDLQ{}
	q := New(&fakeEventStore{}, ds, dlq, Config{MaxAttempts: 8})

	d := domain.Delivery{DeliveryID: "d1", Attempt: 8}
	err := q.Complete(context.Background(), d, domain.Event{}, Outcome{Err: errors.New("still failing")}, []string{"e1", "e2"}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ds.completed["d1"].Status != domain.DeliveryDead {
		t.Fatalf("expected dead after exhausting attempts, got %v", ds.completed["d1"].Status)
	}
	if len(dlq.pushed) != 1 {
		t.Fatalf("expected DLQ push, got %d", len(dlq.pushed))
	}
}

func TestQueueDelayMonotonicallyCapped(t *testing.T) {
	q := New(&fakeEventStore{}, newFakeDeliveryStore(), nil, Config{BaseMs: 1000, CapMs: 5000, MaxAttempts: 8})

	d := q.delay(10)
	if d > 6*time.Second {
		t.Fatalf("expected delay capped near capMs, got %v", d)
	}
}

func TestQueueEnqueueSkipsEmptyDeliveries(t *testing.T) {
	es := &fakeEventStore{}
	q := New(es, newFakeDeliveryStore(), nil, Config{})

	if err := q.Enqueue(context.Background(), domain.Event{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if es.persisted != 0 {
		t.Fatalf("expected no persist call for empty deliveries, got %d", es.persisted)
	}
}
