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

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
	"github.com/oculairmedia/huly-webhook-service/internal/store"
)

func TestStoreResumeCheckpointRoundTrip(t *testing.T) {
	s := New(0)
	ctx := context.Background()

	token, err := s.Load(ctx, "default")
	if err != nil || token != "" {
		t.Fatalf("expected empty token initially, got %q err=%v", token, err)
	}

	if err := s.Save(ctx, domain.ResumeCheckpoint{PartitionID: "default", ResumeToken: "abc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err = s.Load(ctx, "default")
	if err != nil || token != "abc" {
		t.Fatalf("expected abc, got %q err=%v", token, err)
	}
}

func TestStoreClaimRespectsNextAttemptAt(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	now := time.Now()

	event := domain.Event{EventID: "e1"}
	future := domain.Delivery{DeliveryID: "d1", EventID: "e1", Status: domain.DeliveryPending, NextAttemptAt: now.Add(time.Hour)}
	due := domain.Delivery{DeliveryID: "d2", EventID: "e1", Status: domain.DeliveryPending, NextAttemptAt: now.Add(-time.Minute)}

	if err := s.Persist(ctx, event, []domain.Delivery{future, due}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := s.Claim(ctx, 10, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].DeliveryID != "d2" {
		t.Fatalf("expected only d2 to be claimable, got %+v", claimed)
	}
	if claimed[0].Status != domain.DeliveryInflight {
		t.Fatalf("expected claimed delivery to be inflight, got %v", claimed[0].Status)
	}
}

func TestStoreCompleteUpdatesAttemptOnRetry(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	now := time.Now()

	_ = s.Persist(ctx, domain.Event{EventID: "e1"}, []domain.Delivery{
		{DeliveryID: "d1", EventID: "e1", Status: domain.DeliveryPending, NextAttemptAt: now, Attempt: 1},
	})
	claimed, _ := s.Claim(ctx, 10, now)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	next := now.Add(time.Second)
	if err := s.Complete(ctx, "d1", store.DeliveryOutcome{Status: domain.DeliveryFailed, NextAttemptAt: &next}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed2, _ := s.Claim(ctx, 10, next.Add(time.Millisecond))
	if len(claimed2) != 1 || claimed2[0].Attempt != 2 {
		t.Fatalf("expected attempt bumped to 2, got %+v", claimed2)
	}
}

func TestStoreCompleteAccumulatesErrorHistory(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	now := time.Now()

	_ = s.Persist(ctx, domain.Event{EventID: "e1"}, []domain.Delivery{
		{DeliveryID: "d1", EventID: "e1", Status: domain.DeliveryPending, NextAttemptAt: now, Attempt: 1},
	})

	for i, msg := range []string{"timeout", "connection reset"} {
		claimed, _ := s.Claim(ctx, 10, now)
		if len(claimed) != 1 {
			t.Fatalf("round %d: expected 1 claimed, got %d", i, len(claimed))
		}
		next := now.Add(time.Duration(i+1) * time.Second)
		if err := s.Complete(ctx, "d1", store.DeliveryOutcome{Status: domain.DeliveryFailed, LastError: msg, NextAttemptAt: &next}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		now = next.Add(time.Millisecond)
	}

	claimed, _ := s.Claim(ctx, 10, now)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}
	want := []string{"timeout", "connection reset"}
	got := claimed[0].ErrorHistory
	if len(got) != len(want) {
		t.Fatalf("error history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("error history = %v, want %v", got, want)
		}
	}
}

func TestStoreReapExpiredLeases(t *testing.T) {
	s := New(10) // 10ms lease
	ctx := context.Background()
	now := time.Now()

	_ = s.Persist(ctx, domain.Event{EventID: "e1"}, []domain.Delivery{
		{DeliveryID: "d1", EventID: "e1", Status: domain.DeliveryPending, NextAttemptAt: now},
	})
	if _, err := s.Claim(ctx, 10, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	later := now.Add(time.Second)
	n, err := s.ReapExpiredLeases(ctx, later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped lease, got %d", n)
	}

	claimed, _ := s.Claim(ctx, 10, later)
	if len(claimed) != 1 {
		t.Fatalf("expected reaped delivery to be claimable again, got %d", len(claimed))
	}
}

func TestStoreSeedAndLoadWebhooks(t *testing.T) {
	s := New(0)
	s.Seed(domain.Webhook{ID: "w2"}, domain.Webhook{ID: "w1"})

	webhooks, err := s.LoadWebhooks(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(webhooks) != 2 || webhooks[0].ID != "w1" || webhooks[1].ID != "w2" {
		t.Fatalf("expected sorted [w1 w2], got %+v", webhooks)
	}
}

func TestStoreDLQPush(t *testing.T) {
	s := New(0)
	if err := s.Push(context.Background(), domain.Event{EventID: "e1"}, domain.Delivery{DeliveryID: "d1"}, []string{"timeout"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := s.DeadLettered()
	if len(entries) != 1 || entries[0].Delivery.DeliveryID != "d1" {
		t.Fatalf("unexpected dlq contents: %+v", entries)
	}
}
