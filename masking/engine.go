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

// Package masking implements the rule-driven masking engine. Given a decoded
// field and its column metadata it applies the first matching configured
// rule, falls back to the heuristic PII scanner, and recurses into JSON
// documents and PostgreSQL array literals. Failures never propagate to the
// wire: a field the engine cannot process is forwarded unchanged.
package masking

import (
	"unicode/utf8"

	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/pseudonymization"
	"github.com/cossacklabs/ironveil/scanner"
	log "github.com/sirupsen/logrus"
)

// MaskingEngine applies rules and heuristics to decoded row fields. It is
// stateless between rows and safe for concurrent use: the only shared state
// is the config snapshot read per field.
type MaskingEngine struct {
	store   *config.Store
	scanner *scanner.PiiScanner
	logger  *log.Entry
}

// NewMaskingEngine returns engine reading rules from store.
func NewMaskingEngine(store *config.Store) *MaskingEngine {
	return &MaskingEngine{
		store:   store,
		scanner: scanner.NewPiiScanner(),
		logger:  log.WithField("internal", "masking"),
	}
}

// Enabled reports the current snapshot's global masking switch.
func (engine *MaskingEngine) Enabled() bool {
	return engine.store.Snapshot().MaskingEnabled
}

// MaskColumn runs the per-field decision procedure and returns the value to
// emit, the strategy that was applied (empty if none) and whether the value
// changed. NULL and binary-format fields pass through untouched.
func (engine *MaskingEngine) MaskColumn(info base.ColumnInfo, value []byte) ([]byte, string, bool) {
	snapshot := engine.store.Snapshot()
	if !snapshot.MaskingEnabled {
		return value, "", false
	}
	if value == nil || info.IsBinaryFormat {
		return value, "", false
	}
	if !utf8.Valid(value) {
		base.MaskingErrorCounter.Inc()
		return value, "", false
	}

	ruleStrategy, hasRule := snapshot.MatchRule(info.TableName, info.Name)

	if info.IsJSON || (hasRule && ruleStrategy == pseudonymization.StrategyJSON) {
		masked, changed, err := engine.maskJSON(snapshot, info.TableName, value)
		if err != nil {
			base.MaskingErrorCounter.Inc()
			engine.logger.WithError(err).WithField("column", info.Name).
				Debugln("Can't mask JSON value, pass through")
			return value, "", false
		}
		if !changed {
			return value, "", false
		}
		base.MaskingCounter.WithLabelValues(pseudonymization.StrategyJSON).Inc()
		return masked, pseudonymization.StrategyJSON, true
	}

	if info.IsArray {
		masked, changed, err := engine.maskArray(snapshot, info.TableName, info.Name, value)
		if err != nil {
			base.MaskingErrorCounter.Inc()
			engine.logger.WithError(err).WithField("column", info.Name).
				Debugln("Can't mask array value, pass through")
			return value, "", false
		}
		if !changed {
			return value, "", false
		}
		return masked, "array", true
	}

	if hasRule {
		faked := pseudonymization.Fake(ruleStrategy, value)
		base.MaskingCounter.WithLabelValues(ruleStrategy).Inc()
		return []byte(faked), ruleStrategy, true
	}

	if kind := engine.scanner.Scan(string(value)); kind != scanner.PiiNone {
		strategy := kind.String()
		faked := pseudonymization.Fake(strategy, value)
		base.MaskingCounter.WithLabelValues(strategy).Inc()
		return []byte(faked), strategy, true
	}

	return value, "", false
}

// maskScalarString applies rule and heuristic masking to one text scalar
// from inside a JSON document or an array literal. columnName is the JSON
// key or the array's column name.
func (engine *MaskingEngine) maskScalarString(snapshot *config.Snapshot, table, columnName, value string) (string, bool) {
	if strategy, ok := snapshot.MatchRule(table, columnName); ok && strategy != pseudonymization.StrategyJSON {
		base.MaskingCounter.WithLabelValues(strategy).Inc()
		return pseudonymization.Fake(strategy, []byte(value)), true
	}
	if kind := engine.scanner.Scan(value); kind != scanner.PiiNone {
		strategy := kind.String()
		base.MaskingCounter.WithLabelValues(strategy).Inc()
		return pseudonymization.Fake(strategy, []byte(value)), true
	}
	return value, false
}
