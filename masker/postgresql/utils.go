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

package postgresql

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrMalformedMessage reported when a payload doesn't parse under its declared type.
var ErrMalformedMessage = errors.New("malformed postgresql message")

// ColumnDescription is one field entry of a RowDescription message.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
type ColumnDescription struct {
	Name         string
	TableOID     uint32
	AttrNumber   uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	FormatCode   uint16
}

// binary-format values of these types are the same bytes as their text form,
// so they stay maskable; jsonb is excluded because its binary form carries a
// version header
var binarySafeTextOIDs = map[uint32]bool{
	pgtype.TextOID:    true,
	pgtype.VarcharOID: true,
	pgtype.BPCharOID:  true,
	pgtype.NameOID:    true,
	pgtype.JSONOID:    true,
}

var jsonTypeOIDs = map[uint32]bool{
	pgtype.JSONOID:  true,
	pgtype.JSONBOID: true,
}

var arrayTypeOIDs = map[uint32]bool{
	pgtype.TextArrayOID:    true,
	pgtype.VarcharArrayOID: true,
	pgtype.BPCharArrayOID:  true,
	pgtype.NameArrayOID:    true,
}

// ColumnInfo folds the wire-level description into the protocol-agnostic
// metadata the masking engine works with. tableName may be empty: the
// RowDescription carries only a table OID and the proxy doesn't resolve it.
func (column *ColumnDescription) ColumnInfo(index int, tableName string) base.ColumnInfo {
	binaryFormat := column.FormatCode == 1 && !binarySafeTextOIDs[column.TypeOID]
	return base.ColumnInfo{
		Index:          index,
		Name:           column.Name,
		TableName:      tableName,
		IsBinaryFormat: binaryFormat,
		IsJSON:         jsonTypeOIDs[column.TypeOID],
		IsArray:        arrayTypeOIDs[column.TypeOID],
	}
}

// ParseRowDescription parses a 'T' payload into column descriptions.
func ParseRowDescription(data []byte) ([]ColumnDescription, error) {
	if len(data) < 2 {
		return nil, ErrMalformedMessage
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	pos := 2
	columns := make([]ColumnDescription, 0, count)
	for i := 0; i < count; i++ {
		name, n, err := readCString(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if len(data[pos:]) < 18 {
			return nil, ErrMalformedMessage
		}
		column := ColumnDescription{
			Name:         name,
			TableOID:     binary.BigEndian.Uint32(data[pos:]),
			AttrNumber:   binary.BigEndian.Uint16(data[pos+4:]),
			TypeOID:      binary.BigEndian.Uint32(data[pos+6:]),
			TypeSize:     int16(binary.BigEndian.Uint16(data[pos+10:])),
			TypeModifier: int32(binary.BigEndian.Uint32(data[pos+12:])),
			FormatCode:   binary.BigEndian.Uint16(data[pos+16:]),
		}
		pos += 18
		columns = append(columns, column)
	}
	return columns, nil
}

// ParseDataRow parses a 'D' payload into field values, nil means NULL.
func ParseDataRow(data []byte) ([][]byte, error) {
	if len(data) < 2 {
		return nil, ErrMalformedMessage
	}
	count := int(binary.BigEndian.Uint16(data[:2]))
	pos := 2
	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(data[pos:]) < 4 {
			return nil, ErrMalformedMessage
		}
		length := int32(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if length == -1 {
			values = append(values, nil)
			continue
		}
		if length < 0 || len(data[pos:]) < int(length) {
			return nil, ErrMalformedMessage
		}
		values = append(values, data[pos:pos+int(length)])
		pos += int(length)
	}
	return values, nil
}

// EncodeDataRow reassembles a 'D' payload from field values.
func EncodeDataRow(values [][]byte) []byte {
	size := 2
	for _, value := range values {
		size += 4 + len(value)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint16(out, uint16(len(values)))
	for _, value := range values {
		if value == nil {
			out = binary.BigEndian.AppendUint32(out, 0xffffffff)
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(value)))
		out = append(out, value...)
	}
	return out
}

// ParseParseStatementName extracts the prepared statement name of a 'P' payload.
func ParseParseStatementName(data []byte) (string, error) {
	name, _, err := readCString(data)
	return name, err
}

// ParseBindNames extracts portal and statement names of a 'B' payload.
func ParseBindNames(data []byte) (portal, statement string, err error) {
	portal, n, err := readCString(data)
	if err != nil {
		return "", "", err
	}
	statement, _, err = readCString(data[n:])
	if err != nil {
		return "", "", err
	}
	return portal, statement, nil
}

// ParseExecutePortalName extracts the portal name of an 'E' payload.
func ParseExecutePortalName(data []byte) (string, error) {
	name, _, err := readCString(data)
	return name, err
}

func readCString(data []byte) (string, int, error) {
	end := bytes.IndexByte(data, 0)
	if end == -1 {
		return "", 0, ErrMalformedMessage
	}
	return string(data[:end]), end + 1, nil
}
