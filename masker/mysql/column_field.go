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

package mysql

import (
	"encoding/binary"

	"github.com/cossacklabs/ironveil/masker/base"
)

// Column type codes that matter for masking.
// https://dev.mysql.com/doc/dev/mysql-server/latest/field__types_8h.html
const (
	TypeJSON       byte = 0xf5
	TypeTinyBlob   byte = 0xf9
	TypeMediumBlob byte = 0xfa
	TypeLongBlob   byte = 0xfb
	TypeBlob       byte = 0xfc
	TypeVarString  byte = 0xfd
	TypeString     byte = 0xfe
	TypeGeometry   byte = 0xff
)

// ColumnDescription is a parsed ColumnDefinition41 packet.
// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_com_query_response_text_resultset_column_definition.html
type ColumnDescription struct {
	Schema       []byte
	Table        []byte
	OrgTable     []byte
	Name         []byte
	OrgName      []byte
	Charset      uint16
	ColumnLength uint32
	Type         uint8
	Flag         uint16
	Decimal      uint8
}

// ParseResultField parses a column definition payload.
func ParseResultField(data []byte) (*ColumnDescription, error) {
	field := &ColumnDescription{}

	var n int
	var err error
	// catalog, always "def"
	pos := 0
	n, err = SkipLengthEncodedString(data)
	if err != nil {
		return nil, err
	}
	pos += n

	field.Schema, _, n, err = LengthEncodedString(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	field.Table, _, n, err = LengthEncodedString(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	field.OrgTable, _, n, err = LengthEncodedString(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	field.Name, _, n, err = LengthEncodedString(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	field.OrgName, _, n, err = LengthEncodedString(data[pos:])
	if err != nil {
		return nil, err
	}
	pos += n

	// 0x0C length marker of the fixed fields
	pos++

	if len(data[pos:]) < 12 {
		return nil, ErrMalformPacket
	}
	field.Charset = binary.LittleEndian.Uint16(data[pos:])
	pos += 2
	field.ColumnLength = binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	field.Type = data[pos]
	pos++
	field.Flag = binary.LittleEndian.Uint16(data[pos:])
	pos += 2
	field.Decimal = data[pos]

	return field, nil
}

// ColumnInfo folds the column definition into the metadata the masking
// engine works with. MySQL reports table names directly, so table-scoped
// rules match here.
func (field *ColumnDescription) ColumnInfo(index int) base.ColumnInfo {
	return base.ColumnInfo{
		Index:     index,
		Name:      string(field.Name),
		TableName: string(field.Table),
		IsJSON:    field.Type == TypeJSON,
	}
}
