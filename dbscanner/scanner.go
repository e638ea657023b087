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

// Package dbscanner introspects the upstream database on demand: it reads
// column metadata from information_schema, samples rows and classifies the
// sampled values to suggest masking rules. It connects to the upstream with
// its own credentials and never touches the proxy data path.
package dbscanner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cossacklabs/ironveil/scanner"
	// drivers for both supported upstreams
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// DefaultSampleSize limits how many rows are read per table.
const DefaultSampleSize = 100

// DefaultConfidence is the match share at or above which a rule is suggested.
const DefaultConfidence = 0.5

// ScanConfig parameterizes one scan run.
type ScanConfig struct {
	// Driver is "postgres" or "mysql"
	Driver string `json:"driver"`
	// DSN with credentials able to read information_schema and table data
	DSN string `json:"dsn"`
	// Schema to scan; "public" for PostgreSQL, the database name for MySQL
	Schema string `json:"schema"`
	// SampleSize rows per table, DefaultSampleSize when zero
	SampleSize int `json:"sample_size"`
	// Confidence threshold in (0,1], DefaultConfidence when zero
	Confidence float64 `json:"confidence"`
}

// Suggestion is one proposed masking rule with its evidence.
type Suggestion struct {
	Table      string  `json:"table"`
	Column     string  `json:"column"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	Matched    int     `json:"matched"`
	Sampled    int     `json:"sampled"`
}

// Scanner runs PII scans against an upstream database.
type Scanner struct {
	classifier *scanner.PiiScanner
	logger     *log.Entry
}

// NewScanner returns scanner ready to run.
func NewScanner() *Scanner {
	return &Scanner{
		classifier: scanner.NewPiiScanner(),
		logger:     log.WithField("internal", "db_scanner"),
	}
}

// Scan samples every scannable column of the schema and returns rule
// suggestions ordered as discovered.
func (s *Scanner) Scan(ctx context.Context, scanConfig ScanConfig) ([]Suggestion, error) {
	if scanConfig.SampleSize <= 0 {
		scanConfig.SampleSize = DefaultSampleSize
	}
	if scanConfig.Confidence <= 0 {
		scanConfig.Confidence = DefaultConfidence
	}
	db, err := sql.Open(scanConfig.Driver, scanConfig.DSN)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	columns, err := s.textColumns(ctx, db, scanConfig)
	if err != nil {
		return nil, err
	}

	var suggestions []Suggestion
	samples := map[string]map[string][]string{}
	for _, column := range columns {
		tableSamples, ok := samples[column.table]
		if !ok {
			tableSamples, err = s.sampleTable(ctx, db, scanConfig, column.table)
			if err != nil {
				s.logger.WithError(err).WithField("table", column.table).
					Warningln("Can't sample table, skip")
				tableSamples = map[string][]string{}
			}
			samples[column.table] = tableSamples
		}
		values := tableSamples[column.name]
		if len(values) == 0 {
			continue
		}
		counts := map[scanner.PiiKind]int{}
		for _, value := range values {
			if kind := s.classifier.Scan(value); kind != scanner.PiiNone {
				counts[kind]++
			}
		}
		bestKind, bestCount := scanner.PiiNone, 0
		for kind, count := range counts {
			if count > bestCount {
				bestKind, bestCount = kind, count
			}
		}
		confidence := float64(bestCount) / float64(len(values))
		if bestKind == scanner.PiiNone || confidence < scanConfig.Confidence {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Table:      column.table,
			Column:     column.name,
			Strategy:   bestKind.String(),
			Confidence: confidence,
			Matched:    bestCount,
			Sampled:    len(values),
		})
	}
	return suggestions, nil
}

type columnRef struct {
	table string
	name  string
}

var scannableTypes = map[string]bool{
	"text": true, "varchar": true, "character varying": true, "character": true,
	"char": true, "tinytext": true, "mediumtext": true, "longtext": true,
	"json": true, "jsonb": true,
}

func (s *Scanner) textColumns(ctx context.Context, db *sql.DB, scanConfig ScanConfig) ([]columnRef, error) {
	query := `SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position`
	if scanConfig.Driver == "mysql" {
		query = strings.Replace(query, "$1", "?", 1)
	}
	rows, err := db.QueryContext(ctx, query, scanConfig.Schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []columnRef
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, err
		}
		if scannableTypes[strings.ToLower(dataType)] {
			columns = append(columns, columnRef{table: table, name: column})
		}
	}
	return columns, rows.Err()
}

// sampleTable reads up to SampleSize rows and collects text values by column name.
func (s *Scanner) sampleTable(ctx context.Context, db *sql.DB, scanConfig ScanConfig, table string) (map[string][]string, error) {
	query := fmt.Sprintf(`SELECT * FROM %s LIMIT %d`, quoteQualified(scanConfig.Driver, scanConfig.Schema, table), scanConfig.SampleSize)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make(map[string][]string, len(columnNames))
	scanDest := make([]interface{}, len(columnNames))
	rawValues := make([]sql.NullString, len(columnNames))
	for i := range rawValues {
		scanDest[i] = &rawValues[i]
	}
	for rows.Next() {
		if err := rows.Scan(scanDest...); err != nil {
			// rows with non-text values that don't fit NullString are skipped
			continue
		}
		for i, name := range columnNames {
			if rawValues[i].Valid {
				values[name] = append(values[name], rawValues[i].String)
			}
		}
	}
	return values, rows.Err()
}

func quoteQualified(driver, schema, table string) string {
	if driver == "mysql" {
		return fmt.Sprintf("`%s`.`%s`", strings.ReplaceAll(schema, "`", ""), strings.ReplaceAll(table, "`", ""))
	}
	return fmt.Sprintf(`"%s"."%s"`, strings.ReplaceAll(schema, `"`, ""), strings.ReplaceAll(table, `"`, ""))
}
