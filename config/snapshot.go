/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"sync/atomic"
)

// Snapshot is an immutable view of the rule table plus the global masking
// switch. Handlers read a snapshot per row and never observe partial
// reloads.
type Snapshot struct {
	MaskingEnabled bool
	Rules          []MaskingRule
}

// MatchRule selects the strategy for (table, column). Precedence: the first
// rule with an exact table+column match wins; otherwise the first global
// rule for the column. Ties are broken by sequence order.
func (snapshot *Snapshot) MatchRule(table, column string) (string, bool) {
	if table != "" {
		for _, rule := range snapshot.Rules {
			if rule.Table == table && rule.Column == column {
				return rule.Strategy, true
			}
		}
	}
	for _, rule := range snapshot.Rules {
		if rule.Table == "" && rule.Column == column {
			return rule.Strategy, true
		}
	}
	return "", false
}

// Store publishes configuration snapshots to concurrent readers through an
// atomic handle. Replace swaps the whole snapshot; readers always see a
// complete one.
type Store struct {
	current atomic.Value
}

// NewStore creates a store with the initial configuration.
func NewStore(config *AppConfig) *Store {
	store := &Store{}
	store.Replace(config)
	return store
}

// Snapshot returns the currently published snapshot.
func (store *Store) Snapshot() *Snapshot {
	return store.current.Load().(*Snapshot)
}

// Replace validates nothing: the caller passes an already validated config.
// Rules are copied so later mutations of config can't leak into readers.
func (store *Store) Replace(config *AppConfig) {
	rules := make([]MaskingRule, len(config.Rules))
	copy(rules, config.Rules)
	store.current.Store(&Snapshot{
		MaskingEnabled: config.MaskingEnabled,
		Rules:          rules,
	})
}
