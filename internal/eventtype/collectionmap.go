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

// defaultCollectionMap seeds the entity names for Huly's well-known
// collections (spec.md §4.2). Unknown collections pass through verbatim.
var defaultCollectionMap = map[string]string{
	"tracker:class:Issue":   "issue",
	"issue":                 "issue",
	"issues":                "issue",
	"task":                  "task",
	"tasks":                 "task",
	"project":               "project",
	"projects":              "project",
	"space":                 "project",
	"spaces":                "project",
	"document":              "document",
	"documents":             "document",
	"recruit:class:Applicant": "applicant",
	"comment":               "comment",
	"comments":              "comment",
	"attachment":            "attachment",
	"attachments":           "attachment",
	"contact:class:Person":  "contact",
	"member":                "member",
	"members":               "member",
}

// CollectionMap resolves a change-stream collection name to the entity used
// in the "<entity>.<action>" event type. Its entries are fixed when
// NewCollectionMap builds it and never mutated afterwards, so it is safe for
// concurrent reads.
type CollectionMap struct {
	entries map[string]string
}

// NewCollectionMap returns a map seeded with the defaults plus any
// caller-supplied overrides/additions (spec.md §6 maps.collection).
func NewCollectionMap(overrides map[string]string) *CollectionMap {
	m := make(map[string]string, len(defaultCollectionMap)+len(overrides))
	for k, v := range defaultCollectionMap {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}

	return &CollectionMap{entries: m}
}

// Entity returns the canonical entity name for collection. An empty
// collection (missing namespace) maps to "unknown"; an unrecognized,
// non-empty collection passes through verbatim (spec.md §4.2).
func (m *CollectionMap) Entity(collection string) string {
	if collection == "" {
		return "unknown"
	}
	if entity, ok := m.entries[collection]; ok {
		return entity
	}

	return collection
}
