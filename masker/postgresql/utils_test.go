package postgresql

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeBackendMessage returns the payload of an encoded backend message
// without the type byte and length field.
func encodeBackendMessage(t *testing.T, message pgproto3.BackendMessage) []byte {
	t.Helper()
	frame, err := message.Encode(nil)
	require.NoError(t, err)
	return frame[5:]
}

func TestParseRowDescription(t *testing.T) {
	payload := encodeBackendMessage(t, &pgproto3.RowDescription{
		Fields: []pgproto3.FieldDescription{
			{
				Name:                 []byte("email"),
				TableOID:             100,
				TableAttributeNumber: 2,
				DataTypeOID:          pgtype.TextOID,
				DataTypeSize:         -1,
				TypeModifier:         -1,
				Format:               0,
			},
			{
				Name:         []byte("metadata"),
				DataTypeOID:  pgtype.JSONBOID,
				DataTypeSize: -1,
				TypeModifier: -1,
				Format:       0,
			},
		},
	})

	columns, err := ParseRowDescription(payload)
	require.NoError(t, err)
	require.Len(t, columns, 2)

	assert.Equal(t, "email", columns[0].Name)
	assert.Equal(t, uint32(100), columns[0].TableOID)
	assert.Equal(t, uint16(2), columns[0].AttrNumber)
	assert.Equal(t, uint32(pgtype.TextOID), columns[0].TypeOID)

	info := columns[0].ColumnInfo(0, "")
	assert.False(t, info.IsBinaryFormat)
	assert.False(t, info.IsJSON)
	assert.False(t, info.IsArray)

	info = columns[1].ColumnInfo(1, "")
	assert.True(t, info.IsJSON)
}

func TestColumnInfoClassification(t *testing.T) {
	jsonColumn := ColumnDescription{Name: "doc", TypeOID: pgtype.JSONOID}
	assert.True(t, jsonColumn.ColumnInfo(0, "").IsJSON)

	arrayColumn := ColumnDescription{Name: "emails", TypeOID: pgtype.TextArrayOID}
	assert.True(t, arrayColumn.ColumnInfo(0, "").IsArray)

	// binary-format bytea stays opaque
	byteaColumn := ColumnDescription{Name: "blob", TypeOID: pgtype.ByteaOID, FormatCode: 1}
	assert.True(t, byteaColumn.ColumnInfo(0, "").IsBinaryFormat)

	// binary-format text carries the same bytes as its text form
	textColumn := ColumnDescription{Name: "name", TypeOID: pgtype.TextOID, FormatCode: 1}
	assert.False(t, textColumn.ColumnInfo(0, "").IsBinaryFormat)
}

func TestParseDataRowWithNull(t *testing.T) {
	payload := encodeBackendMessage(t, &pgproto3.DataRow{
		Values: [][]byte{[]byte("alice@example.com"), nil, []byte("")},
	})

	values, err := ParseDataRow(payload)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, []byte("alice@example.com"), values[0])
	assert.Nil(t, values[1])
	assert.Equal(t, []byte{}, values[2])
}

func TestEncodeDataRowRoundTrip(t *testing.T) {
	values := [][]byte{[]byte("one"), nil, []byte("three")}
	payload := EncodeDataRow(values)

	parsed, err := ParseDataRow(payload)
	require.NoError(t, err)
	require.Len(t, parsed, 3)
	assert.Equal(t, []byte("one"), parsed[0])
	assert.Nil(t, parsed[1])
	assert.Equal(t, []byte("three"), parsed[2])
}

func TestEncodeDataRowMatchesWireFormat(t *testing.T) {
	values := [][]byte{[]byte("alice@example.com"), nil}
	payload := encodeBackendMessage(t, &pgproto3.DataRow{Values: values})
	assert.Equal(t, payload, EncodeDataRow(values))
}

func TestParseExtendedQueryNames(t *testing.T) {
	parsePayload := encodeFrontendMessage(t, &pgproto3.Parse{Name: "stmt1", Query: "SELECT $1"})
	statement, err := ParseParseStatementName(parsePayload)
	require.NoError(t, err)
	assert.Equal(t, "stmt1", statement)

	bindPayload := encodeFrontendMessage(t, &pgproto3.Bind{DestinationPortal: "portal1", PreparedStatement: "stmt1"})
	portal, statement, err := ParseBindNames(bindPayload)
	require.NoError(t, err)
	assert.Equal(t, "portal1", portal)
	assert.Equal(t, "stmt1", statement)

	executePayload := encodeFrontendMessage(t, &pgproto3.Execute{Portal: "portal1"})
	portal, err = ParseExecutePortalName(executePayload)
	require.NoError(t, err)
	assert.Equal(t, "portal1", portal)
}

func encodeFrontendMessage(t *testing.T, message pgproto3.FrontendMessage) []byte {
	t.Helper()
	frame, err := message.Encode(nil)
	require.NoError(t, err)
	return frame[5:]
}
