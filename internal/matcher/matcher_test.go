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

package matcher

import (
	"testing"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

func TestMatchExactFilter(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{
		{ID: "w1", Active: true, Filters: []string{"issue.created"}},
	}
	event := domain.Event{EventID: "e1", EventType: "issue.created", Workspace: "p1"}

	got := m.Match(event, webhooks, time.Now())
	if len(got) != 1 || got[0].WebhookID != "w1" {
		t.Fatalf("expected match on w1, got %+v", got)
	}
	if got[0].Attempt != 1 || got[0].Status != domain.DeliveryPending {
		t.Fatalf("unexpected delivery defaults: %+v", got[0])
	}
}

func TestMatchGlobFilter(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{
		{ID: "w1", Active: true, Filters: []string{"issue.*"}},
		{ID: "w2", Active: true, Filters: []string{"*.deleted"}},
		{ID: "w3", Active: true, Filters: []string{"project.*"}},
	}
	event := domain.Event{EventID: "e1", EventType: "issue.status_changed", Workspace: "p1"}

	got := m.Match(event, webhooks, time.Now())
	if len(got) != 1 || got[0].WebhookID != "w1" {
		t.Fatalf("expected only w1 to match, got %+v", got)
	}
}

func TestMatchWildcardDeleted(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{{ID: "w2", Active: true, Filters: []string{"*.deleted"}}}
	event := domain.Event{EventID: "e1", EventType: "issue.deleted", Workspace: "p1"}

	got := m.Match(event, webhooks, time.Now())
	if len(got) != 1 {
		t.Fatalf("expected *.deleted to match issue.deleted, got %+v", got)
	}
}

func TestMatchInactiveWebhookSkipped(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{{ID: "w1", Active: false, Filters: []string{"*"}}}
	event := domain.Event{EventType: "issue.created", Workspace: "p1"}

	if got := m.Match(event, webhooks, time.Now()); len(got) != 0 {
		t.Fatalf("expected inactive webhook to be skipped, got %+v", got)
	}
}

func TestMatchWorkspaceAllowlist(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{
		{ID: "w1", Active: true, Workspaces: []string{"p1"}, Filters: []string{"*"}},
	}

	if got := m.Match(domain.Event{EventType: "issue.created", Workspace: "p1"}, webhooks, time.Now()); len(got) != 1 {
		t.Fatalf("expected allowed workspace to match, got %+v", got)
	}
	if got := m.Match(domain.Event{EventType: "issue.created", Workspace: "p2"}, webhooks, time.Now()); len(got) != 0 {
		t.Fatalf("expected disallowed workspace to be filtered out, got %+v", got)
	}
}

func TestMatchEmptyFiltersMatchesEverything(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{{ID: "w1", Active: true}}

	got := m.Match(domain.Event{EventType: "anything.happens", Workspace: "p1"}, webhooks, time.Now())
	if len(got) != 1 {
		t.Fatalf("expected empty filter list to match everything, got %+v", got)
	}
}

func TestMatchPreservesWebhookOrder(t *testing.T) {
	m := New()
	webhooks := []domain.Webhook{
		{ID: "w3", Active: true, Filters: []string{"*"}},
		{ID: "w1", Active: true, Filters: []string{"*"}},
		{ID: "w2", Active: true, Filters: []string{"*"}},
	}

	got := m.Match(domain.Event{EventType: "issue.created", Workspace: "p1"}, webhooks, time.Now())
	if len(got) != 3 || got[0].WebhookID != "w3" || got[1].WebhookID != "w1" || got[2].WebhookID != "w2" {
		t.Fatalf("expected order preserved, got %+v", got)
	}
}

func TestInvalidateForcesRecompile(t *testing.T) {
	m := New()
	wh := domain.Webhook{ID: "w1", Active: true, Filters: []string{"issue.*"}}

	_ = m.Match(domain.Event{EventType: "issue.created"}, []domain.Webhook{wh}, time.Now())
	m.Invalidate("w1")

	wh.Filters = []string{"project.*"}
	got := m.Match(domain.Event{EventType: "issue.created"}, []domain.Webhook{wh}, time.Now())
	if len(got) != 0 {
		t.Fatalf("expected updated filters to apply after invalidate, got %+v", got)
	}
}
