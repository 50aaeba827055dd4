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

// Package eventtype is a pure function from a changestream.RawChange to a
// canonical domain.Event: the rule pipeline of spec.md §4.2 (custom
// collection rule, custom wildcard rule, default-by-operation, fallback),
// driven by a collection map and a field map.
package eventtype

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/oculairmedia/huly-webhook-service/internal/changestream"
	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

// unknownEventType is returned whenever classification panics or otherwise
// fails; ingestion continues undisturbed (spec.md §4.2, §7).
const unknownEventType = "unknown.event"

// Detector implements the rule pipeline described in spec.md §4.2.
type Detector struct {
	rules       *RuleTable
	collections *CollectionMap
	fields      *FieldMap
}

// NewDetector builds a Detector. rules may be nil (no custom rules
// registered yet); collections/fields fall back to their package defaults
// when nil.
func NewDetector(rules *RuleTable, collections *CollectionMap, fields *FieldMap) *Detector {
	if rules == nil {
		rules = NewRuleTable()
	}
	if collections == nil {
		collections = NewCollectionMap(nil)
	}
	if fields == nil {
		fields = NewFieldMap(nil)
	}

	return &Detector{rules: rules, collections: collections, fields: fields}
}

// RuleTable exposes the detector's rule table for registration by callers
// (e.g. an admin API extension hook), per spec.md §4.2 rules 1-2.
func (d *Detector) RuleTable() *RuleTable { return d.rules }

// Detect classifies change into a domain.Event. Errors in classification are
// caught here, not propagated: a failure yields "unknown.event" and
// ingestion continues (spec.md §4.2, §7).
func (d *Detector) Detect(change changestream.RawChange) (event domain.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event type classification panicked", "recover", r)
			event = d.fallbackEvent(change, unknownEventType)
			err = nil
		}
	}()

	eventType, classifyErr := d.classify(change)
	if classifyErr != nil {
		slog.Error("event type classification failed", "error", classifyErr)

		return d.fallbackEvent(change, unknownEventType), nil
	}

	return d.buildEvent(change, eventType), nil
}

// classify runs the rule-priority pipeline of spec.md §4.2, first match wins.
func (d *Detector) classify(change changestream.RawChange) (string, error) {
	collection := change.Namespace.Collection
	op := change.OperationType

	// 1. Custom collection rule.
	if rule, ok := d.rules.lookupCollection(collection, op); ok {
		return rule.Apply(change)
	}

	// 2. Custom wildcard rule.
	if rule, ok := d.rules.lookupWildcard(op); ok {
		return rule.Apply(change)
	}

	entity := d.collections.Entity(collection)

	// 3. Default by operation.
	switch change.OperationType {
	case changestream.OpInsert:
		return entity + ".created", nil
	case changestream.OpDelete:
		return entity + ".deleted", nil
	case changestream.OpReplace:
		return entity + ".replaced", nil
	case changestream.OpInvalidate:
		return "collection.invalidated", nil
	case changestream.OpUpdate:
		action := classifyUpdate(change.UpdateDescription, d.fields)

		return entity + "." + action, nil
	}

	// 4. Fallback.
	return fmt.Sprintf("%s.%s", entity, string(change.OperationType)), nil
}

func (d *Detector) buildEvent(change changestream.RawChange, eventType string) domain.Event {
	workspace := workspaceOf(change.FullDocument)
	data := normalizeDocument(change.FullDocument)
	changes := buildChanges(change.FullDocumentBeforeChange, change.UpdateDescription)

	ts := change.ClusterTime
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return domain.Event{
		EventID:       domain.NewID(),
		EventType:     eventType,
		Workspace:     workspace,
		Timestamp:     ts,
		Data:          data,
		Changes:       changes,
		ResumeToken:   change.ResumeToken,
		Collection:    change.Namespace.Collection,
		OperationType: domain.OperationType(change.OperationType),
	}
}

func (d *Detector) fallbackEvent(change changestream.RawChange, eventType string) domain.Event {
	return d.buildEvent(change, eventType)
}

func workspaceOf(doc map[string]any) string {
	if doc == nil {
		return "default"
	}
	if space, ok := doc["space"].(string); ok && space != "" {
		return space
	}

	return "default"
}
