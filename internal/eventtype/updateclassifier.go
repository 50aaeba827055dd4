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

package eventtype

import (
	"strings"

	"github.com/oculairmedia/huly-webhook-service/internal/changestream"
	"github.com/oculairmedia/huly-webhook-service/internal/domain"
)

// classifyUpdate determines the update action for an update operation, per
// spec.md §4.2: field map first match wins (by insertion order of
// updatedFields then removedFields), then array/nested/generic fallbacks.
func classifyUpdate(desc *changestream.UpdateDescription, fields *FieldMap) string {
	if desc == nil {
		return "updated"
	}

	keys := orderedUpdateKeys(desc)

	for _, key := range keys {
		if action, ok := fields.Action(key); ok {
			return action
		}
	}

	for _, key := range keys {
		if strings.Contains(key, "$") {
			return "array_updated"
		}
	}

	for _, key := range keys {
		if strings.Contains(key, ".") {
			return "nested_updated"
		}
	}

	return "updated"
}

// orderedUpdateKeys returns updatedFields keys in the order the change
// stream's BSON document reported them, followed by removedFields, matching
// spec.md §4.2's "updatedFields ∪ removedFields as an ordered list": the
// first key to hit the field map wins a tie between two fields updated in
// the same write, so this order must be stable and reproducible for a given
// input, not merely "a" order.
func orderedUpdateKeys(desc *changestream.UpdateDescription) []string {
	keys := make([]string, 0, len(desc.UpdatedFields)+len(desc.RemovedFields))
	for _, f := range desc.UpdatedFields {
		keys = append(keys, f.Key)
	}
	keys = append(keys, desc.RemovedFields...)

	return keys
}

// buildChanges produces the spec.md §3 changes map for an update operation.
func buildChanges(before map[string]any, desc *changestream.UpdateDescription) map[string]domain.FieldChange {
	if desc == nil {
		return nil
	}

	changes := make(map[string]domain.FieldChange, len(desc.UpdatedFields)+len(desc.RemovedFields))
	for _, f := range desc.UpdatedFields {
		entry := domain.FieldChange{To: f.Value}
		if before != nil {
			entry.From = before[f.Key]
		}
		changes[f.Key] = entry
	}
	for _, k := range desc.RemovedFields {
		changes[k] = domain.FieldChange{Removed: true}
	}

	return changes
}
