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

import "github.com/oculairmedia/huly-webhook-service/internal/changestream"

// Rule produces an event type for a matched RawChange. Two kinds exist so the rule table never needs runtime
// string dispatch (spec.md §9): a TemplateRule for the common static-string
// case and a FuncRule for anything that needs to inspect the change.
type Rule interface {
	Apply(change changestream.RawChange) (eventType string, err error)
}

// TemplateRule always returns the same event type regardless of the change.
type TemplateRule string

func (r TemplateRule) Apply(changestream.RawChange) (string, error) {
	return string(r), nil
}

// FuncRule delegates to an arbitrary function, for rules that need the
// change's contents (e.g. a custom per-field classifier).
type FuncRule func(change changestream.RawChange) (string, error)

func (r FuncRule) Apply(change changestream.RawChange) (string, error) {
	return r(change)
}

// ruleKey identifies a registered custom rule by collection and operation.
// The wildcard collection is represented by the empty string;
// RegisterWildcardRule takes no collection argument and registers under it.
type ruleKey struct {
	collection string
	op         changestream.OperationType
}

// RuleTable holds the custom collection and wildcard rules registered via
// RegisterCollectionRule / RegisterWildcardRule.
type RuleTable struct {
	rules map[ruleKey]Rule
}

// NewRuleTable returns an empty rule table; Detector always consults the
// built-in default-by-operation and fallback rules after this table misses.
func NewRuleTable() *RuleTable {
	return &RuleTable{rules: make(map[ruleKey]Rule)}
}

// RegisterCollectionRule registers a rule for an exact (collection,
// operation) pair. Later calls for the same pair replace the rule.
func (t *RuleTable) RegisterCollectionRule(collection string, op changestream.OperationType, rule Rule) {
	t.rules[ruleKey{collection: collection, op: op}] = rule
}

// RegisterWildcardRule registers a rule that applies to every collection for
// a given operation, consulted after any exact collection rule misses.
func (t *RuleTable) RegisterWildcardRule(op changestream.OperationType, rule Rule) {
	t.rules[ruleKey{collection: "", op: op}] = rule
}

func (t *RuleTable) lookupCollection(collection string, op changestream.OperationType) (Rule, bool) {
	r, ok := t.rules[ruleKey{collection: collection, op: op}]

	return r, ok
}

func (t *RuleTable) lookupWildcard(op changestream.OperationType) (Rule, bool) {
	r, ok := t.rules[ruleKey{collection: "", op: op}]

	return r, ok
}
