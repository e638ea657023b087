package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidConfig(t *testing.T) {
	document := []byte(`
masking_enabled: true
upstream_tls: false
rules:
  - table: "users"
    column: "email"
    strategy: "email"
  - column: "phone"
    strategy: "phone"
`)
	config, err := ParseConfig(document)
	require.NoError(t, err)

	assert.True(t, config.MaskingEnabled)
	assert.False(t, config.UpstreamTLS)
	require.Len(t, config.Rules, 2)
	assert.Equal(t, "users", config.Rules[0].Table)
	assert.Equal(t, "email", config.Rules[0].Column)
	assert.Equal(t, "", config.Rules[1].Table)
}

func TestParseDefaults(t *testing.T) {
	config, err := ParseConfig([]byte("rules: []\n"))
	require.NoError(t, err)

	assert.True(t, config.MaskingEnabled, "masking defaults to enabled")
	assert.False(t, config.UpstreamTLS)
	assert.Nil(t, config.TLS)
	assert.Equal(t, DefaultMaxConnections, config.MaxConnections())
	assert.Equal(t, DefaultConnectTimeout, config.ConnectTimeout())
	assert.Equal(t, DefaultIdleTimeout, config.IdleTimeout())
}

func TestParseMissingRulesFails(t *testing.T) {
	_, err := ParseConfig([]byte("masking_enabled: true\n"))
	assert.ErrorIs(t, err, ErrNoRulesSection)
}

func TestParseInvalidYAMLFails(t *testing.T) {
	_, err := ParseConfig([]byte("invalid yaml content {{"))
	assert.Error(t, err)
}

func TestUnknownStrategySkippedWithWarning(t *testing.T) {
	document := []byte(`
rules:
  - column: "email"
    strategy: "rot13"
  - column: "phone"
    strategy: "phone"
`)
	config, err := ParseConfig(document)
	require.NoError(t, err)
	require.Len(t, config.Rules, 1)
	assert.Equal(t, "phone", config.Rules[0].Column)
}

func TestTLSWithoutMaterialFails(t *testing.T) {
	document := []byte(`
rules: []
tls:
  enabled: true
`)
	_, err := ParseConfig(document)
	assert.ErrorIs(t, err, ErrNoTLSMaterial)
}

func TestTLSConfig(t *testing.T) {
	document := []byte(`
rules: []
upstream_tls: true
tls:
  enabled: true
  cert_path: "certs/server.crt"
  key_path: "certs/server.key"
`)
	config, err := ParseConfig(document)
	require.NoError(t, err)
	assert.True(t, config.UpstreamTLS)
	require.NotNil(t, config.TLS)
	assert.Equal(t, "certs/server.crt", config.TLS.CertPath)
}

func TestLimits(t *testing.T) {
	document := []byte(`
rules: []
limits:
  max_connections: 7
  connections_per_second: 3
  connect_timeout_secs: 2
  idle_timeout_secs: 30
`)
	config, err := ParseConfig(document)
	require.NoError(t, err)
	assert.Equal(t, 7, config.MaxConnections())
	assert.Equal(t, 3, config.ConnectionsPerSecond())
	assert.Equal(t, 2*time.Second, config.ConnectTimeout())
	assert.Equal(t, 30*time.Second, config.IdleTimeout())
}

func TestSnapshotRulePrecedence(t *testing.T) {
	store := NewStore(&AppConfig{
		MaskingEnabled: true,
		Rules: []MaskingRule{
			{Table: "users", Column: "email", Strategy: "email"},
			{Column: "email", Strategy: "hash"},
		},
	})
	snapshot := store.Snapshot()

	strategy, ok := snapshot.MatchRule("users", "email")
	require.True(t, ok)
	assert.Equal(t, "email", strategy)

	strategy, ok = snapshot.MatchRule("orders", "email")
	require.True(t, ok)
	assert.Equal(t, "hash", strategy)

	strategy, ok = snapshot.MatchRule("", "email")
	require.True(t, ok)
	assert.Equal(t, "hash", strategy)

	_, ok = snapshot.MatchRule("users", "name")
	assert.False(t, ok)
}

func TestStoreReplaceIsWholesale(t *testing.T) {
	config := &AppConfig{MaskingEnabled: true, Rules: []MaskingRule{{Column: "email", Strategy: "email"}}}
	store := NewStore(config)
	old := store.Snapshot()

	store.Replace(&AppConfig{MaskingEnabled: false})
	current := store.Snapshot()

	assert.False(t, current.MaskingEnabled)
	assert.Empty(t, current.Rules)
	// old snapshot stays intact for readers that still hold it
	assert.True(t, old.MaskingEnabled)
	assert.Len(t, old.Rules, 1)
}
