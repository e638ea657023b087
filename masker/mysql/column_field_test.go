package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildColumnDefinition serializes a ColumnDefinition41 payload.
func buildColumnDefinition(schema, table, name string, columnType byte) []byte {
	payload := make([]byte, 0, 64)
	payload = append(payload, PutLengthEncodedString([]byte("def"))...)
	payload = append(payload, PutLengthEncodedString([]byte(schema))...)
	payload = append(payload, PutLengthEncodedString([]byte(table))...)
	payload = append(payload, PutLengthEncodedString([]byte(table))...)
	payload = append(payload, PutLengthEncodedString([]byte(name))...)
	payload = append(payload, PutLengthEncodedString([]byte(name))...)
	payload = append(payload, 0x0c)
	payload = append(payload, Uint16ToBytes(0x21)...) // charset
	payload = append(payload, Uint32ToBytes(255)...)  // column length
	payload = append(payload, columnType)             // type
	payload = append(payload, Uint16ToBytes(0)...)    // flags
	payload = append(payload, 0)                      // decimals
	payload = append(payload, 0, 0)                   // filler
	return payload
}

func TestParseResultField(t *testing.T) {
	payload := buildColumnDefinition("testdb", "users", "email", TypeVarString)
	field, err := ParseResultField(payload)
	require.NoError(t, err)

	assert.Equal(t, "testdb", string(field.Schema))
	assert.Equal(t, "users", string(field.Table))
	assert.Equal(t, "email", string(field.Name))
	assert.Equal(t, uint16(0x21), field.Charset)
	assert.Equal(t, uint32(255), field.ColumnLength)
	assert.Equal(t, TypeVarString, field.Type)
}

func TestParseResultFieldTruncatedFails(t *testing.T) {
	payload := buildColumnDefinition("testdb", "users", "email", TypeVarString)
	_, err := ParseResultField(payload[:len(payload)-10])
	assert.Error(t, err)
}

func TestColumnInfoCarriesTableName(t *testing.T) {
	payload := buildColumnDefinition("testdb", "users", "email", TypeVarString)
	field, err := ParseResultField(payload)
	require.NoError(t, err)

	info := field.ColumnInfo(2)
	assert.Equal(t, 2, info.Index)
	assert.Equal(t, "email", info.Name)
	assert.Equal(t, "users", info.TableName)
	assert.False(t, info.IsJSON)
}

func TestColumnInfoJSONType(t *testing.T) {
	payload := buildColumnDefinition("testdb", "users", "metadata", TypeJSON)
	field, err := ParseResultField(payload)
	require.NoError(t, err)
	assert.True(t, field.ColumnInfo(0).IsJSON)
}
