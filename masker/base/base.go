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

// Package base holds plumbing shared by the protocol-specific proxy halves:
// column metadata handed to the masking engine, framing helpers and the
// masking event ring surfaced through the management API.
package base

import (
	"errors"
	"fmt"
	"io"
)

// Database labels used in metrics and logs.
const (
	DBPostgresql = "postgresql"
	DBMysql      = "mysql"
)

// ErrShortReadWrite reported when io operation processed less bytes than expected.
var ErrShortReadWrite = errors.New("short read/write")

// ColumnInfo describes one column of the active row description as the
// masking engine sees it, protocol details already folded in.
type ColumnInfo struct {
	Index int
	// Name of the column as declared by the row description
	Name string
	// TableName is empty when the protocol doesn't provide it (PostgreSQL
	// reports only a table OID which is not resolved here)
	TableName string
	// IsBinaryFormat is true for binary-format values that must pass through
	IsBinaryFormat bool
	// IsJSON is true when the declared type is a JSON type
	IsJSON bool
	// IsArray is true when the declared type is an array type
	IsArray bool
}

// ColumnMasker turns a field value into its masked form. It returns the
// value to emit, the strategy that fired (empty when none did) and whether
// the value changed. Implementations must return the input slice untouched
// when nothing matched and must be safe for concurrent use.
type ColumnMasker interface {
	MaskColumn(info ColumnInfo, value []byte) ([]byte, string, bool)
	Enabled() bool
}

// Dumper serializes a wire frame back to bytes.
type Dumper interface {
	Dump() []byte
}

// CheckReadWrite verifies io result: n bytes processed of expected with err.
func CheckReadWrite(n, expected int, err error) error {
	if err != nil {
		return err
	}
	if n != expected {
		return fmt.Errorf("%w: %d instead of %d", ErrShortReadWrite, n, expected)
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes, mapping unexpected EOF in the
// middle of a frame to an explicit error.
func ReadFull(reader io.Reader, buf []byte) error {
	n, err := io.ReadFull(reader, buf)
	return CheckReadWrite(n, len(buf), err)
}
