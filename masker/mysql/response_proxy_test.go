package mysql

import (
	"bytes"
	"context"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/cossacklabs/ironveil/config"
	"github.com/cossacklabs/ironveil/masker/base"
	"github.com/cossacklabs/ironveil/masking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTextRow(values ...[]byte) []byte {
	payload := make([]byte, 0, 64)
	for _, value := range values {
		if value == nil {
			payload = append(payload, NullValue)
			continue
		}
		payload = append(payload, PutLengthEncodedString(value)...)
	}
	return payload
}

func buildEOF() []byte {
	return []byte{EOFPacket, 0, 0, 0, 0}
}

type responseHarness struct {
	handler    *Handler
	clientSide net.Conn
	serverSide net.Conn
}

func newResponseHarness(t *testing.T, appConfig *config.AppConfig) *responseHarness {
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
	handler := NewMysqlProxy(context.Background(), clientProxy, dbProxy, ProxySettings{
		Masker: engine,
		Events: base.NewEventRing(base.DefaultEventRingSize),
	})
	return &responseHarness{handler: handler, clientSide: clientApp, serverSide: dbServer}
}

// runQueryResponse drives queryResponseHandler with a column-count packet
// and the given upstream continuation, returning the frames the client sees.
func (harness *responseHarness) runQueryResponse(t *testing.T, command byte, columnCount byte, continuation [][]byte) []*Packet {
	t.Helper()
	harness.handler.currentCommand = command

	countPacket, err := ReadPacket(bytes.NewReader(packFrame(1, []byte{columnCount})))
	require.NoError(t, err)

	go func() {
		sequence := byte(2)
		for _, payload := range continuation {
			harness.serverSide.Write(packFrame(sequence, payload))
			sequence++
		}
	}()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- harness.handler.queryResponseHandler(countPacket, harness.handler.dbConnection, harness.handler.clientConnection)
	}()

	harness.clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	frames := make([]*Packet, 0, len(continuation)+1)
	for i := 0; i < len(continuation)+1; i++ {
		packet, err := ReadPacket(harness.clientSide)
		require.NoError(t, err)
		frames = append(frames, packet)
	}
	require.NoError(t, <-resultCh)
	return frames
}

func TestQueryResponseMasksCreditCardRow(t *testing.T) {
	harness := newResponseHarness(t, &config.AppConfig{MaskingEnabled: true})

	continuation := [][]byte{
		buildColumnDefinition("testdb", "payments", "card", TypeVarString),
		buildColumnDefinition("testdb", "payments", "note", TypeVarString),
		buildEOF(),
		buildTextRow([]byte("4532-1234-5678-9012"), []byte("keep")),
		buildEOF(),
	}
	frames := harness.runQueryResponse(t, CommandQuery, 2, continuation)

	rowFrame := frames[4]
	values := parseTextRow(t, rowFrame.GetData(), 2)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{4}-\d{4}-9012$`), string(values[0]))
	assert.NotEqual(t, "4532-1234-5678-9012", string(values[0]))
	assert.Equal(t, "keep", string(values[1]))
	// sequence id of the rewritten frame is preserved
	assert.Equal(t, byte(5), rowFrame.GetSequenceNumber())
}

func TestQueryResponseTableScopedRule(t *testing.T) {
	harness := newResponseHarness(t, &config.AppConfig{
		MaskingEnabled: true,
		Rules: []config.MaskingRule{
			{Table: "users", Column: "email", Strategy: "email"},
			{Column: "email", Strategy: "hash"},
		},
	})

	continuation := [][]byte{
		buildColumnDefinition("testdb", "users", "email", TypeVarString),
		buildEOF(),
		buildTextRow([]byte("x@y.zz")),
		buildEOF(),
	}
	frames := harness.runQueryResponse(t, CommandQuery, 1, continuation)

	values := parseTextRow(t, frames[3].GetData(), 1)
	// table matches, so the email strategy wins over the global hash rule
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`), string(values[0]))
}

func TestQueryResponseNullAndPlainValues(t *testing.T) {
	harness := newResponseHarness(t, &config.AppConfig{MaskingEnabled: true})

	row := buildTextRow(nil, []byte("lorem ipsum"))
	continuation := [][]byte{
		buildColumnDefinition("testdb", "users", "email", TypeVarString),
		buildColumnDefinition("testdb", "users", "note", TypeVarString),
		buildEOF(),
		row,
		buildEOF(),
	}
	frames := harness.runQueryResponse(t, CommandQuery, 2, continuation)

	// nothing maskable: the row frame passes through byte-identically
	assert.Equal(t, packFrame(5, row), frames[4].Dump())
	assert.Equal(t, byte(NullValue), frames[4].GetData()[0])
}

func TestBinaryResultsetPassesThrough(t *testing.T) {
	harness := newResponseHarness(t, &config.AppConfig{MaskingEnabled: true})

	// binary protocol row, would decode as garbage text
	binaryRow := []byte{0x00, 0x00, 0x11, 'a', 'l', 'i', 'c', 'e', '@', 'e', 'x', 'a', 'm', 'p', 'l', 'e', '.', 'c', 'o', 'm'}
	continuation := [][]byte{
		buildColumnDefinition("testdb", "users", "email", TypeVarString),
		buildEOF(),
		binaryRow,
		buildEOF(),
	}
	frames := harness.runQueryResponse(t, CommandStatementExecute, 1, continuation)
	assert.Equal(t, packFrame(4, binaryRow), frames[3].Dump())
}

func TestOkResponsePassesThrough(t *testing.T) {
	harness := newResponseHarness(t, &config.AppConfig{MaskingEnabled: true})
	harness.handler.currentCommand = CommandQuery

	okPayload := []byte{OkPacket, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00}
	okPacket, err := ReadPacket(bytes.NewReader(packFrame(1, okPayload)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- harness.handler.queryResponseHandler(okPacket, harness.handler.dbConnection, harness.handler.clientConnection)
	}()
	harness.clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	received, err := ReadPacket(harness.clientSide)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, packFrame(1, okPayload), received.Dump())
}

func parseTextRow(t *testing.T, rowData []byte, columns int) [][]byte {
	t.Helper()
	values := make([][]byte, 0, columns)
	pos := 0
	for i := 0; i < columns; i++ {
		value, isNull, n, err := LengthEncodedString(rowData[pos:])
		require.NoError(t, err)
		pos += n
		if isNull {
			values = append(values, nil)
			continue
		}
		values = append(values, value)
	}
	require.Equal(t, len(rowData), pos)
	return values
}
