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

import "strings"

// defaultFieldMap seeds the update-action names for well-known fields
// (spec.md §4.2 update classifier).
var defaultFieldMap = map[string]string{
	"status":      "status_changed",
	"assignee":    "assigned",
	"priority":    "priority_changed",
	"dueDate":     "due_date_changed",
	"title":       "title_changed",
	"description": "description_changed",
	"labels":      "labels_changed",
	"members":     "members_changed",
	"archived":    "archived_changed",
}

// FieldMap resolves an updated/removed field name to an update action.
type FieldMap struct {
	entries map[string]string
}

// NewFieldMap returns a map seeded with the defaults plus any caller-supplied
// overrides/additions (spec.md §6 maps.field).
func NewFieldMap(overrides map[string]string) *FieldMap {
	m := make(map[string]string, len(defaultFieldMap)+len(overrides))
	for k, v := range defaultFieldMap {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}

	return &FieldMap{entries: m}
}

// Action resolves field to an update action. It tries an exact match first,
// then a dotted-prefix match (a key "x.y" matches a field-map entry "x"),
// per spec.md §4.2.
func (m *FieldMap) Action(field string) (string, bool) {
	if action, ok := m.entries[field]; ok {
		return action, true
	}

	if idx := strings.IndexByte(field, '.'); idx >= 0 {
		if action, ok := m.entries[field[:idx]]; ok {
			return action, true
		}
	}

	return "", false
}
