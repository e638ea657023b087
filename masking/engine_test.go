package masking

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(enabled bool, rules ...config.MaskingRule) *MaskingEngine {
	return NewMaskingEngine(config.NewStore(&config.AppConfig{
		MaskingEnabled: enabled,
		Rules:          rules,
	}))
}

var emailShape = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

func TestHeuristicEmailMasking(t *testing.T) {
	engine := newTestEngine(true)

	masked, strategy, changed := engine.MaskColumn(base.ColumnInfo{Name: "email"}, []byte("alice@example.com"))
	require.True(t, changed)
	assert.Equal(t, "email", strategy)
	assert.Regexp(t, emailShape, string(masked))
	assert.NotEqual(t, "alice@example.com", string(masked))
}

func TestUnknownValuePassesThrough(t *testing.T) {
	engine := newTestEngine(true)

	value := []byte("lorem ipsum")
	masked, strategy, changed := engine.MaskColumn(base.ColumnInfo{Name: "notes"}, value)
	assert.False(t, changed)
	assert.Equal(t, "", strategy)
	assert.Equal(t, value, masked)
}

func TestExplicitRuleOverridesHeuristic(t *testing.T) {
	engine := newTestEngine(true, config.MaskingRule{Column: "email_col", Strategy: "address"})

	masked, strategy, changed := engine.MaskColumn(base.ColumnInfo{Name: "email_col"}, []byte("test@example.com"))
	require.True(t, changed)
	assert.Equal(t, "address", strategy)
	assert.NotContains(t, string(masked), "@")
}

func TestTableScopedRulePrecedence(t *testing.T) {
	engine := newTestEngine(true,
		config.MaskingRule{Table: "users", Column: "email", Strategy: "email"},
		config.MaskingRule{Column: "email", Strategy: "hash"},
	)

	masked, strategy, changed := engine.MaskColumn(
		base.ColumnInfo{Name: "email", TableName: "users"}, []byte("x@y.zz"))
	require.True(t, changed)
	assert.Equal(t, "email", strategy)
	assert.Regexp(t, emailShape, string(masked))

	masked, strategy, changed = engine.MaskColumn(
		base.ColumnInfo{Name: "email", TableName: "orders"}, []byte("x@y.zz"))
	require.True(t, changed)
	assert.Equal(t, "hash", strategy)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), string(masked))
}

func TestMaskingDisabled(t *testing.T) {
	engine := newTestEngine(false)

	value := []byte("alice@example.com")
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "email"}, value)
	assert.False(t, changed)
	assert.Equal(t, value, masked)
	assert.False(t, engine.Enabled())
}

func TestBinaryAndInvalidUTF8PassThrough(t *testing.T) {
	engine := newTestEngine(true)

	binary := []byte{0x00, 0x01, 0x02}
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "email", IsBinaryFormat: true}, binary)
	assert.False(t, changed)
	assert.Equal(t, binary, masked)

	invalid := []byte{'a', 0xff, 0xfe}
	masked, _, changed = engine.MaskColumn(base.ColumnInfo{Name: "email"}, invalid)
	assert.False(t, changed)
	assert.Equal(t, invalid, masked)
}

func TestDeterministicMasking(t *testing.T) {
	engine := newTestEngine(true)

	first, _, _ := engine.MaskColumn(base.ColumnInfo{Name: "email"}, []byte("test@example.com"))
	second, _, _ := engine.MaskColumn(base.ColumnInfo{Name: "email"}, []byte("test@example.com"))
	assert.Equal(t, string(first), string(second))
}

func TestJSONMasking(t *testing.T) {
	engine := newTestEngine(true, config.MaskingRule{Column: "metadata", Strategy: "json"})

	document := []byte(`{"user":{"email":"bob@x.io"},"age":30,"tags":["bob@x.io","ok"]}`)
	masked, strategy, changed := engine.MaskColumn(base.ColumnInfo{Name: "metadata"}, document)
	require.True(t, changed)
	assert.Equal(t, "json", strategy)

	var parsed struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		Age  int      `json:"age"`
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(masked, &parsed))
	assert.NotEqual(t, "bob@x.io", parsed.User.Email)
	assert.Regexp(t, emailShape, parsed.User.Email)
	assert.Equal(t, 30, parsed.Age)
	require.Len(t, parsed.Tags, 2)
	assert.NotEqual(t, "bob@x.io", parsed.Tags[0])
	assert.Regexp(t, emailShape, parsed.Tags[0])
	assert.Equal(t, "ok", parsed.Tags[1])
}

func TestJSONKeyOrderPreserved(t *testing.T) {
	engine := newTestEngine(true)

	document := []byte(`{"zebra":1,"alpha":"bob@x.io","mid":true}`)
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "doc", IsJSON: true}, document)
	require.True(t, changed)
	assert.Regexp(t, regexp.MustCompile(`^\{"zebra":1,"alpha":".*","mid":true\}$`), string(masked))
}

func TestJSONWithoutPIIEmittedByteIdentical(t *testing.T) {
	engine := newTestEngine(true)

	document := []byte(`{ "a" : 1,	"b" : [true, null] }`)
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "doc", IsJSON: true}, document)
	assert.False(t, changed)
	assert.Equal(t, document, masked)
}

func TestMalformedJSONPassesThrough(t *testing.T) {
	engine := newTestEngine(true, config.MaskingRule{Column: "metadata", Strategy: "json"})

	value := []byte(`{"broken":`)
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "metadata"}, value)
	assert.False(t, changed)
	assert.Equal(t, value, masked)
}

func TestJSONRuleBySyntheticColumnName(t *testing.T) {
	engine := newTestEngine(true,
		config.MaskingRule{Column: "metadata", Strategy: "json"},
		config.MaskingRule{Column: "nickname", Strategy: "hash"},
	)

	document := []byte(`{"nickname":"just-a-name"}`)
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "metadata"}, document)
	require.True(t, changed)
	assert.Regexp(t, regexp.MustCompile(`^\{"nickname":"[0-9a-f]{32}"\}$`), string(masked))
}

func TestArrayMasking(t *testing.T) {
	engine := newTestEngine(true)

	literal := []byte(`{a@b.cc,"x,y"}`)
	masked, strategy, changed := engine.MaskColumn(base.ColumnInfo{Name: "emails", IsArray: true}, literal)
	require.True(t, changed)
	assert.Equal(t, "array", strategy)

	result := string(masked)
	assert.Regexp(t, regexp.MustCompile(`^\{.+,"x,y"\}$`), result)
	assert.NotContains(t, result, "a@b.cc")
}

func TestArrayWithoutPIIPassesThroughByteIdentical(t *testing.T) {
	engine := newTestEngine(true)

	literal := []byte(`{plain,"quoted value",NULL}`)
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "tags", IsArray: true}, literal)
	assert.False(t, changed)
	assert.Equal(t, literal, masked)
}

func TestArrayNULLKept(t *testing.T) {
	engine := newTestEngine(true)

	literal := []byte(`{NULL,a@b.cc}`)
	masked, _, changed := engine.MaskColumn(base.ColumnInfo{Name: "emails", IsArray: true}, literal)
	require.True(t, changed)
	assert.Regexp(t, regexp.MustCompile(`^\{NULL,.+\}$`), string(masked))
}
