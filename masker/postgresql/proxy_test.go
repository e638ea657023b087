package postgresql

import (
	"context"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/masking"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proxyHarness struct {
	clientSide net.Conn
	serverSide net.Conn
	errCh      chan error
}

// newProxyHarness runs the upstream→client half over net.Pipe pairs: frames
// written to serverSide come out masked on clientSide.
func newProxyHarness(t *testing.T, appConfig *config.AppConfig) *proxyHarness {
	t.Helper()
	clientProxy, clientApp := net.Pipe()
	dbProxy, dbServer := net.Pipe()
	t.Cleanup(func() {
		clientProxy.Close()
		clientApp.Close()
		dbProxy.Close()
		dbServer.Close()
	})

	engine := masking.NewMaskingEngine(config.NewStore(appConfig))
	settings := ProxySettings{
		Masker: engine,
		Events: base.NewEventRing(base.DefaultEventRingSize),
	}
	proxy := NewPgProxy(context.Background(), clientProxy, dbProxy, settings)
	errCh := make(chan error, 2)
	go proxy.ProxyDatabaseConnection(errCh)

	return &proxyHarness{clientSide: clientApp, serverSide: dbServer, errCh: errCh}
}

func (harness *proxyHarness) sendBackend(t *testing.T, messages ...pgproto3.BackendMessage) []byte {
	t.Helper()
	var stream []byte
	for _, message := range messages {
		frame, err := message.Encode(nil)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}
	go func() {
		harness.serverSide.Write(stream)
	}()
	return stream
}

func (harness *proxyHarness) receiveFrames(t *testing.T, count int) []*Packet {
	t.Helper()
	harness.clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	packets := make([]*Packet, 0, count)
	for i := 0; i < count; i++ {
		packet, err := ReadPacket(harness.clientSide)
		require.NoError(t, err)
		packets = append(packets, packet)
	}
	return packets
}

func emailColumn(name string) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  pgtype.TextOID,
		DataTypeSize: -1,
		TypeModifier: -1,
	}
}

func TestProxyMasksEmailDataRow(t *testing.T) {
	harness := newProxyHarness(t, &config.AppConfig{MaskingEnabled: true})

	harness.sendBackend(t,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{emailColumn("email")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("alice@example.com")}},
	)

	packets := harness.receiveFrames(t, 2)
	assert.True(t, packets[0].IsRowDescription())
	require.True(t, packets[1].IsDataRow())

	values, err := ParseDataRow(packets[1].GetData())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`), string(values[0]))
	assert.NotEqual(t, "alice@example.com", string(values[0]))
}

func TestProxyFramingIdentityWithoutMasking(t *testing.T) {
	harness := newProxyHarness(t, &config.AppConfig{MaskingEnabled: true})

	stream := harness.sendBackend(t,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{emailColumn("notes")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("lorem ipsum")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)

	packets := harness.receiveFrames(t, 4)
	var received []byte
	for _, packet := range packets {
		received = append(received, packet.Dump()...)
	}
	assert.Equal(t, stream, received, "untouched frames must pass through byte-for-byte")
}

func TestProxyMaskingDisabledEmitsInputBytes(t *testing.T) {
	harness := newProxyHarness(t, &config.AppConfig{MaskingEnabled: false})

	stream := harness.sendBackend(t,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{emailColumn("email")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("alice@example.com")}},
	)

	packets := harness.receiveFrames(t, 2)
	var received []byte
	for _, packet := range packets {
		received = append(received, packet.Dump()...)
	}
	assert.Equal(t, stream, received)
}

func TestProxyAppliesRuleStrategyAndArity(t *testing.T) {
	harness := newProxyHarness(t, &config.AppConfig{
		MaskingEnabled: true,
		Rules:          []config.MaskingRule{{Column: "secret", Strategy: "hash"}},
	})

	harness.sendBackend(t,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			emailColumn("secret"), emailColumn("notes"),
		}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("value"), []byte("keep me")}},
	)

	packets := harness.receiveFrames(t, 2)
	values, err := ParseDataRow(packets[1].GetData())
	require.NoError(t, err)
	require.Len(t, values, 2, "arity must be preserved")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), string(values[0]))
	assert.Equal(t, "keep me", string(values[1]))
}

func TestProxyNullsPassThrough(t *testing.T) {
	harness := newProxyHarness(t, &config.AppConfig{MaskingEnabled: true})

	harness.sendBackend(t,
		&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
			emailColumn("email"), emailColumn("other"),
		}},
		&pgproto3.DataRow{Values: [][]byte{nil, []byte("plain")}},
	)

	packets := harness.receiveFrames(t, 2)
	values, err := ParseDataRow(packets[1].GetData())
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Nil(t, values[0])
	assert.Equal(t, "plain", string(values[1]))
}
