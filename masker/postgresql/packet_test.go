package postgresql

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPacketRoundTrip(t *testing.T) {
	frame := []byte{'Q', 0, 0, 0, 13, 'S', 'E', 'L', 'E', 'C', 'T', ' ', '1', 0}
	packet, err := ReadPacket(bytes.NewReader(frame))
	require.NoError(t, err)

	assert.Equal(t, byte('Q'), packet.MessageType())
	assert.True(t, packet.IsSimpleQuery())
	assert.Equal(t, []byte("SELECT 1\x00"), packet.GetData())
	assert.Equal(t, frame, packet.Dump())
}

func TestReadPacketInvalidLength(t *testing.T) {
	frame := []byte{'Q', 0, 0, 0, 3}
	_, err := ReadPacket(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrInvalidFrameLength)
}

func TestReadPacketNeedsMoreData(t *testing.T) {
	// length declares more payload than available
	frame := []byte{'Q', 0, 0, 0, 10, 'a'}
	_, err := ReadPacket(bytes.NewReader(frame))
	assert.Error(t, err)
}

func TestSetDataRecomputesLength(t *testing.T) {
	frame := []byte{'D', 0, 0, 0, 5, 'x'}
	packet, err := ReadPacket(bytes.NewReader(frame))
	require.NoError(t, err)

	packet.SetData([]byte("longer payload"))
	dump := packet.Dump()
	assert.Equal(t, byte('D'), dump[0])
	assert.Equal(t, uint32(4+len("longer payload")), binary.BigEndian.Uint32(dump[1:5]))
	assert.Equal(t, []byte("longer payload"), dump[5:])
}

func TestStartupPacketDetection(t *testing.T) {
	sslRequest := []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x2f}
	packet, err := ReadStartupPacket(bytes.NewReader(sslRequest))
	require.NoError(t, err)
	assert.True(t, packet.IsSSLRequest())
	assert.False(t, packet.IsStartupMessage())
	assert.Equal(t, sslRequest, packet.Dump())

	gssRequest := []byte{0, 0, 0, 8, 0x04, 0xd2, 0x16, 0x30}
	packet, err = ReadStartupPacket(bytes.NewReader(gssRequest))
	require.NoError(t, err)
	assert.True(t, packet.IsGSSENCRequest())

	startup := make([]byte, 0, 16)
	startup = append(startup, 0, 0, 0, 13)
	startup = binary.BigEndian.AppendUint32(startup, ProtocolVersion)
	startup = append(startup, 'u', 's', 'e', 'r', 0)
	packet, err = ReadStartupPacket(bytes.NewReader(startup))
	require.NoError(t, err)
	assert.True(t, packet.IsStartupMessage())
	assert.False(t, packet.IsSSLRequest())
}
