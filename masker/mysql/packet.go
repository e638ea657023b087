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

// Package mysql frames, tracks and rewrites MySQL client/server protocol
// packets flowing between a client and an upstream server.
package mysql

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Capability flags
// https://dev.mysql.com/doc/dev/mysql-server/latest/group__group__cs__capabilities__flags.html
const (
	ClientProtocol41   = 0x00000200
	ClientSSLRequest   = 0x00000800
	ClientDeprecateEOF = 0x01000000
)

// Response packet markers.
const (
	OkPacket  = 0x00
	EOFPacket = 0xfe
	ErrPacket = 0xff
	// NULL field marker inside a text resultset row
	NullValue = 0xfb
)

// Packet header layout: 3 bytes of payload length, 1 byte of sequence id.
const (
	PacketHeaderSize = 4
	SequenceIDIndex  = 3
	// MaxPayloadLen is the packet split threshold
	// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_packets.html
	MaxPayloadLen = 1<<24 - 1
)

// ErrPacketHasNotExtendedCapabilities returned for pre-4.1 handshakes.
var ErrPacketHasNotExtendedCapabilities = errors.New("packet hasn't extended capabilities")

// Packet stores one framed MySQL packet. SetData keeps the sequence id and
// recomputes the length field, so a mutated packet still dumps with correct
// framing.
type Packet struct {
	header []byte
	data   []byte
}

// NewPacket returns empty packet ready for reading.
func NewPacket() *Packet {
	return &Packet{header: make([]byte, PacketHeaderSize)}
}

// ReadPacket reads one packet from the connection, reassembling payloads
// split over MaxPayloadLen-sized frames.
func ReadPacket(connection io.Reader) (*Packet, error) {
	packet := NewPacket()
	if err := packet.readFrom(connection); err != nil {
		return nil, err
	}
	return packet, nil
}

func (packet *Packet) readFrom(connection io.Reader) error {
	data, err := packet.readFrames(connection)
	if err != nil {
		return err
	}
	packet.data = data
	return nil
}

func (packet *Packet) readFrames(connection io.Reader) ([]byte, error) {
	if _, err := io.ReadFull(connection, packet.header); err != nil {
		return nil, err
	}
	length := packet.GetPacketPayloadLength()
	if length < 1 {
		return nil, fmt.Errorf("invalid payload length %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(connection, data); err != nil {
		return nil, err
	}
	if length < MaxPayloadLen {
		return data, nil
	}
	continuation, err := packet.readFrames(connection)
	if err != nil {
		return nil, err
	}
	return append(data, continuation...), nil
}

// GetPacketPayloadLength returns the length carried in the 3-byte header.
func (packet *Packet) GetPacketPayloadLength() int {
	return int(uint32(packet.header[0]) | uint32(packet.header[1])<<8 | uint32(packet.header[2])<<16)
}

// GetSequenceNumber returns the packet's sequence id.
func (packet *Packet) GetSequenceNumber() byte {
	return packet.header[SequenceIDIndex]
}

// GetData returns the packet payload.
func (packet *Packet) GetData() []byte {
	return packet.data
}

// SetData replaces the payload and updates the length header, keeping the
// original sequence id.
func (packet *Packet) SetData(newData []byte) {
	packet.data = newData
	newSize := len(newData)
	packet.header[0] = byte(newSize)
	packet.header[1] = byte(newSize >> 8)
	packet.header[2] = byte(newSize >> 16)
}

// Dump returns header and payload as they go to the wire.
func (packet *Packet) Dump() []byte {
	out := make([]byte, 0, len(packet.header)+len(packet.data))
	out = append(out, packet.header...)
	return append(out, packet.data...)
}

// IsEOF reports the OK/EOF resultset terminators.
func (packet *Packet) IsEOF() bool {
	// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_ok_packet.html
	isOkPacket := packet.data[0] == OkPacket && packet.GetPacketPayloadLength() > 7
	isEOFPacket := packet.data[0] == EOFPacket && packet.GetPacketPayloadLength() < 9
	return isOkPacket || isEOFPacket
}

// IsErr reports an ERR packet.
func (packet *Packet) IsErr() bool {
	return packet.data[0] == ErrPacket
}

// IsOk reports a plain OK packet.
func (packet *Packet) IsOk() bool {
	return packet.data[0] == OkPacket
}

func (packet *Packet) getServerCapabilities() int {
	// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_connection_phase_packets_protocol_handshake_v10.html
	endOfServerVersion := bytes.Index(packet.data[1:], []byte{0}) + 2
	rawCapabilities := packet.data[endOfServerVersion+13 : endOfServerVersion+13+2]
	return int(binary.LittleEndian.Uint16(rawCapabilities))
}

// ServerSupportProtocol41 reports the 4.1 protocol flag of a HandshakeV10.
func (packet *Packet) ServerSupportProtocol41() bool {
	return packet.getServerCapabilities()&ClientProtocol41 > 0
}

func (packet *Packet) getClientCapabilities() uint32 {
	return binary.LittleEndian.Uint32(packet.data[:4])
}

// ClientSupportProtocol41 reports the 4.1 protocol flag of a handshake response.
func (packet *Packet) ClientSupportProtocol41() bool {
	return packet.getClientCapabilities()&ClientProtocol41 > 0
}

// IsSSLRequest reports whether the handshake response asks for TLS.
func (packet *Packet) IsSSLRequest() bool {
	return packet.getClientCapabilities()&ClientSSLRequest > 0
}

// IsClientDeprecateEOF reports whether the client negotiated resultsets
// terminated by OK instead of EOF packets.
func (packet *Packet) IsClientDeprecateEOF() bool {
	return packet.getClientCapabilities()&ClientDeprecateEOF > 0
}
