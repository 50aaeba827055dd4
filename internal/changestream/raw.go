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

package changestream

import "time"

// OperationType mirrors domain.OperationType; kept as its own type here (the
// underlying string values are identical) so this package has no import
// dependency on internal/domain, matching the layering of the teacher's
// lib/gcpspanner/spanneradapters packages, which depend down into lib/ but
// never back up into worker packages.
type OperationType string

const (
	OpInsert     OperationType = "insert"
	OpUpdate     OperationType = "update"
	OpReplace    OperationType = "replace"
	OpDelete     OperationType = "delete"
	OpInvalidate OperationType = "invalidate"
)

// UpdatedField is a single entry of an update operation's updatedFields
// document, preserving the field's position in the original BSON document.
// MongoDB change-stream documents are ordered; decoding into a Go map would
// lose that order before it ever reaches the update classifier.
type UpdatedField struct {
	Key   string
	Value any
}

// UpdateDescription carries the field-level detail of an update operation,
// as reported by a MongoDB change stream. UpdatedFields preserves the
// driver's document order; RemovedFields is already an ordered BSON array.
type UpdateDescription struct {
	UpdatedFields []UpdatedField
	RemovedFields []string
}

// Namespace identifies the database and collection a change occurred in.
type Namespace struct {
	DB         string `bson:"db" json:"db"`
	Collection string `bson:"coll" json:"coll"`
}

// RawChange is the normalized shape this service reads from a change-stream
// cursor, independent of the underlying driver's document layout (spec.md
// §4.1).
type RawChange struct {
	OperationType            OperationType
	Namespace                Namespace
	DocumentKey              map[string]any
	UpdateDescription        *UpdateDescription
	FullDocument             map[string]any
	FullDocumentBeforeChange map[string]any
	ClusterTime              time.Time
	ResumeToken              string
}
