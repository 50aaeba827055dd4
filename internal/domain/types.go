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

// Package domain holds the data model shared by every component of the
// webhook delivery pipeline: Webhook, Event, Delivery and the resume
// checkpoint. Nothing here talks to a network or a database; that is
// the job of the store and transport packages.
package domain

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// OperationType mirrors the MongoDB change-stream operation types this
// service reacts to.
type OperationType string

const (
	OpInsert     OperationType = "insert"
	OpUpdate     OperationType = "update"
	OpReplace    OperationType = "replace"
	OpDelete     OperationType = "delete"
	OpInvalidate OperationType = "invalidate"
)

// eventTypePattern enforces the "<entity>.<action>" shape required by spec.md §3.
var eventTypePattern = regexp.MustCompile(`^[a-z_]+\.[a-z_]+$`)

// ValidEventType reports whether s matches the canonical entity.action shape.
func ValidEventType(s string) bool {
	return eventTypePattern.MatchString(s)
}

// NewID returns a time-ordered, monotonically increasing identifier
// suitable for EventID and DeliveryID: spec.md §3 requires eventId to be
// "strictly increasing within a partition", which a random UUIDv4 cannot
// guarantee. UUIDv7 embeds a millisecond timestamp plus a monotonic
// counter/random tail, so ids generated in the same process sort in
// generation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the runtime's random source is broken; fall
		// back to a random v4 rather than panic ingestion.
		return uuid.New().String()
	}

	return id.String()
}

// FieldChange describes how a single field moved in an update, per spec.md §3.
type FieldChange struct {
	From    any  `json:"from,omitempty"`
	To      any  `json:"to,omitempty"`
	Removed bool `json:"removed,omitempty"`
}

// Event is the normalized, immutable representation of a change.
type Event struct {
	EventID       string                 `json:"eventId"`
	EventType     string                 `json:"eventType"`
	Workspace     string                 `json:"workspace"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]any         `json:"data"`
	Changes       map[string]FieldChange `json:"changes,omitempty"`
	ResumeToken   string                 `json:"-"`
	Collection    string                 `json:"-"`
	OperationType OperationType          `json:"-"`
}

// PublicPayload is the exact JSON body sent to webhook endpoints (spec.md §6):
// internal bookkeeping fields (ResumeToken, Collection, OperationType) never
// leave the process.
type PublicPayload struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Workspace string                 `json:"workspace"`
	Data      map[string]any         `json:"data"`
	Changes   map[string]FieldChange `json:"changes,omitempty"`
}

// ToPublicPayload strips everything not meant for the wire.
func (e Event) ToPublicPayload() PublicPayload {
	return PublicPayload{
		ID:        e.EventID,
		Type:      e.EventType,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Workspace: e.Workspace,
		Data:      e.Data,
		Changes:   e.Changes,
	}
}

// DeliveryStatus enumerates the lifecycle states of a Delivery (spec.md §3).
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInflight  DeliveryStatus = "inflight"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDead      DeliveryStatus = "dead"
)

// Terminal reports whether the status can never transition further.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySucceeded || s == DeliveryDead
}

// Delivery is one attempt relation between an Event and a Webhook.
type Delivery struct {
	DeliveryID        string
	EventID           string
	WebhookID         string
	Attempt           int
	Status            DeliveryStatus
	NextAttemptAt     time.Time
	LeaseExpiresAt    time.Time
	LastError         string
	ResponseCode      int
	ResponseLatencyMs int64
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// ErrorHistory accumulates LastError from every failed attempt, oldest
	// first, so a delivery that exhausts its retry budget can hand the DLQ
	// the full failure timeline rather than just its final error.
	ErrorHistory []string

	// Event is carried alongside the delivery row so the dispatcher and the
	// DLQ sink don't need a second round trip to reconstruct the payload.
	Event Event
}

// CircuitBreakerOverrides is the subset of CircuitBreaker knobs a single
// webhook may override (spec.md §3).
type CircuitBreakerOverrides struct {
	FailureThreshold   *int
	TimeoutMs          *int64
	ResetTimeoutMs      *int64
	SuccessThreshold   *int
	VolumeThreshold    *int
	ErrorThresholdPct  *float64
	SlowCallMs         *int64
	SlowCallRatePct    *float64
	MonitoringPeriodMs *int64
}

// Webhook is a registered subscription.
type Webhook struct {
	ID                      string
	URL                     string
	Secret                  []byte
	Active                  bool
	Filters                 []string
	Workspaces              []string
	Headers                 map[string]string
	CircuitBreakerOverrides *CircuitBreakerOverrides
}

// ResumeCheckpoint is the singleton-per-partition checkpoint record.
type ResumeCheckpoint struct {
	PartitionID string
	ResumeToken string
	UpdatedAt   time.Time
}
