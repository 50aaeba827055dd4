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

import "time"

// passthroughFields are copied into the normalized data view unchanged when
// present on the source document (spec.md §4.2).
var passthroughFields = []string{"title", "description", "status", "priority", "assignee"}

// normalizeDocument converts a raw Huly document into the portable shape
// described in spec.md §4.2: id from _id, type from _class, a handful of
// standard fields, project.id from space, and epoch millisecond timestamps
// converted to time.Time for createdOn/modifiedOn.
func normalizeDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}

	out := make(map[string]any, len(doc)+2)

	if id, ok := doc["_id"]; ok {
		out["id"] = id
	}
	if class, ok := doc["_class"]; ok {
		out["type"] = class
	}

	for _, field := range passthroughFields {
		if v, ok := doc[field]; ok {
			out[field] = v
		}
	}

	if space, ok := doc["space"]; ok {
		out["project"] = map[string]any{"id": space}
	}

	if createdOn, ok := epochToTime(doc["createdOn"]); ok {
		out["createdOn"] = createdOn
	}
	if modifiedOn, ok := epochToTime(doc["modifiedOn"]); ok {
		out["modifiedOn"] = modifiedOn
	}

	return out
}

// epochToTime converts a millisecond epoch value (as stored by Huly, usually
// an int64 or float64 depending on the BSON numeric type) into a time.Time.
func epochToTime(v any) (time.Time, bool) {
	switch n := v.(type) {
	case int64:
		return time.UnixMilli(n).UTC(), true
	case int32:
		return time.UnixMilli(int64(n)).UTC(), true
	case int:
		return time.UnixMilli(int64(n)).UTC(), true
	case float64:
		return time.UnixMilli(int64(n)).UTC(), true
	default:
		return time.Time{}, false
	}
}
