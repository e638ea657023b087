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

// Package postgresql frames, tracks and rewrites PostgreSQL v3 protocol
// messages flowing between a client and an upstream server.
package postgresql

import (
	"encoding/binary"
	"errors"
	"io"
)

// Frame layout constants.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
const (
	// length field covers itself but not the type byte
	LengthFieldSize = 4
)

// Message type bytes observed by the proxy.
const (
	QueryMessageType          byte = 'Q'
	ParseMessageType          byte = 'P'
	BindMessageType           byte = 'B'
	ExecuteMessageType        byte = 'E'
	RowDescriptionMessageType byte = 'T'
	DataRowMessageType        byte = 'D'
	ReadyForQueryMessageType  byte = 'Z'
	ErrorMessageType          byte = 'E'
	TerminateMessageType      byte = 'X'
	ParameterStatusType       byte = 'S'
)

// Special protocol version codes carried by untyped startup frames.
const (
	// version 3.0
	ProtocolVersion = 196608
	// 1234.5679, SSLRequest
	SSLRequestCode = 80877103
	// 1234.5680, GSSENCRequest
	GSSENCRequestCode = 80877104
	// 1234.5678, CancelRequest
	CancelRequestCode = 80877102
)

// TLS negotiation responses sent by the server as a single byte.
const (
	TLSAccepted byte = 'S'
	TLSRejected byte = 'N'
)

// Framing errors.
var (
	ErrInvalidFrameLength = errors.New("invalid frame length field")
	ErrFrameTooLarge      = errors.New("frame length exceeds limit")
)

// MaxFrameLength bounds a single accepted frame. PostgreSQL messages above
// this size on a masking proxy mean a corrupt stream.
const MaxFrameLength = 1 << 30

// Packet is one framed protocol message. It keeps the type byte and the
// payload; Dump recomputes the length field, so an untouched packet dumps
// byte-identically to what was received.
type Packet struct {
	messageType byte
	// payload without the length field
	data []byte
	// true for the untyped startup-phase frames
	untyped bool
}

// ReadPacket reads one typed frame: type byte, length, payload.
func ReadPacket(reader io.Reader) (*Packet, error) {
	var header [1 + LengthFieldSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length < LengthFieldSize {
		return nil, ErrInvalidFrameLength
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length-LengthFieldSize)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}
	return &Packet{messageType: header[0], data: data}, nil
}

// ReadStartupPacket reads one untyped frame: length, payload. Only the very
// first client messages (Startup, SSLRequest, GSSENCRequest, CancelRequest)
// use this layout.
func ReadStartupPacket(reader io.Reader) (*Packet, error) {
	var lengthBuf [LengthFieldSize]byte
	if _, err := io.ReadFull(reader, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length < LengthFieldSize {
		return nil, ErrInvalidFrameLength
	}
	if length > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length-LengthFieldSize)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, err
	}
	return &Packet{data: data, untyped: true}, nil
}

// MessageType returns the frame's type byte, 0 for untyped frames.
func (packet *Packet) MessageType() byte {
	if packet.untyped {
		return 0
	}
	return packet.messageType
}

// GetData returns the payload without the length field.
func (packet *Packet) GetData() []byte {
	return packet.data
}

// SetData replaces the payload; Dump will recompute the length field.
func (packet *Packet) SetData(data []byte) {
	packet.data = data
}

// Dump marshals the frame with a length field equal to payload length plus
// the length field itself.
func (packet *Packet) Dump() []byte {
	size := LengthFieldSize + len(packet.data)
	var out []byte
	if packet.untyped {
		out = make([]byte, size)
		binary.BigEndian.PutUint32(out, uint32(size))
		copy(out[LengthFieldSize:], packet.data)
		return out
	}
	out = make([]byte, 1+size)
	out[0] = packet.messageType
	binary.BigEndian.PutUint32(out[1:], uint32(size))
	copy(out[1+LengthFieldSize:], packet.data)
	return out
}

// startupCode returns the protocol version or request code of an untyped frame.
func (packet *Packet) startupCode() uint32 {
	if !packet.untyped || len(packet.data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(packet.data[:4])
}

// IsSSLRequest reports whether the untyped frame asks for TLS negotiation.
func (packet *Packet) IsSSLRequest() bool {
	return len(packet.data) == 4 && packet.startupCode() == SSLRequestCode
}

// IsGSSENCRequest reports whether the untyped frame asks for GSSAPI encryption.
func (packet *Packet) IsGSSENCRequest() bool {
	return len(packet.data) == 4 && packet.startupCode() == GSSENCRequestCode
}

// IsStartupMessage reports whether the untyped frame carries the v3 startup payload.
func (packet *Packet) IsStartupMessage() bool {
	return packet.untyped && packet.startupCode() == ProtocolVersion
}

// IsDataRow reports 'D'.
func (packet *Packet) IsDataRow() bool {
	return !packet.untyped && packet.messageType == DataRowMessageType
}

// IsRowDescription reports 'T'.
func (packet *Packet) IsRowDescription() bool {
	return !packet.untyped && packet.messageType == RowDescriptionMessageType
}

// IsReadyForQuery reports 'Z'.
func (packet *Packet) IsReadyForQuery() bool {
	return !packet.untyped && packet.messageType == ReadyForQueryMessageType
}

// IsSimpleQuery reports 'Q'.
func (packet *Packet) IsSimpleQuery() bool {
	return !packet.untyped && packet.messageType == QueryMessageType
}

// IsParse reports 'P'.
func (packet *Packet) IsParse() bool {
	return !packet.untyped && packet.messageType == ParseMessageType
}

// IsBind reports 'B'.
func (packet *Packet) IsBind() bool {
	return !packet.untyped && packet.messageType == BindMessageType
}

// IsExecute reports 'E'. Valid only for client-side packets: the same type
// byte means ErrorResponse in the server direction.
func (packet *Packet) IsExecute() bool {
	return !packet.untyped && packet.messageType == ExecuteMessageType
}

// IsTerminate reports 'X'.
func (packet *Packet) IsTerminate() bool {
	return !packet.untyped && packet.messageType == TerminateMessageType
}
