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
	"errors"
	"io"
)

// ErrMalformPacket if packet parsing failed
var ErrMalformPacket = errors.New("malformed packet")

// LengthEncodedInt parses a length-encoded integer.
// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_basic_dt_integers.html
func LengthEncodedInt(data []byte) (num uint64, isNull bool, n int, err error) {
	if len(data) == 0 {
		return 0, false, 0, ErrMalformPacket
	}
	switch data[0] {
	// 251: NULL
	case 0xfb:
		return 0, true, 1, nil

	// 252: value of following 2 bytes
	case 0xfc:
		if len(data) < 3 {
			return 0, false, 0, ErrMalformPacket
		}
		return uint64(data[1]) | uint64(data[2])<<8, false, 3, nil

	// 253: value of following 3 bytes
	case 0xfd:
		if len(data) < 4 {
			return 0, false, 0, ErrMalformPacket
		}
		return uint64(data[1]) | uint64(data[2])<<8 | uint64(data[3])<<16, false, 4, nil

	// 254: value of following 8 bytes
	case 0xfe:
		if len(data) < 9 {
			return 0, false, 0, ErrMalformPacket
		}
		num = uint64(data[1]) | uint64(data[2])<<8 | uint64(data[3])<<16 |
			uint64(data[4])<<24 | uint64(data[5])<<32 | uint64(data[6])<<40 |
			uint64(data[7])<<48 | uint64(data[8])<<56
		return num, false, 9, nil
	}

	// 0-250: value of first byte
	return uint64(data[0]), false, 1, nil
}

// LengthEncodedString parses a length-encoded string, returning the value,
// a NULL flag and the total consumed byte count.
func LengthEncodedString(data []byte) ([]byte, bool, int, error) {
	num, isNull, n, err := LengthEncodedInt(data)
	if err != nil {
		return nil, false, 0, err
	}
	if isNull {
		return nil, true, n, nil
	}
	total := n + int(num)
	if len(data) < total {
		return nil, false, total, io.EOF
	}
	return data[n:total], false, total, nil
}

// SkipLengthEncodedString returns the byte count occupied by a length-encoded string.
func SkipLengthEncodedString(data []byte) (int, error) {
	num, _, n, err := LengthEncodedInt(data)
	if err != nil {
		return 0, err
	}
	total := n + int(num)
	if len(data) < total {
		return total, io.EOF
	}
	return total, nil
}

// PutLengthEncodedInt encodes n with the smallest prefix that fits.
func PutLengthEncodedInt(n uint64) []byte {
	switch {
	case n <= 250:
		return []byte{byte(n)}
	case n <= 0xffff:
		return []byte{0xfc, byte(n), byte(n >> 8)}
	case n <= 0xffffff:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		return []byte{0xfe, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24),
			byte(n >> 32), byte(n >> 40), byte(n >> 48), byte(n >> 56)}
	}
}

// PutLengthEncodedString prepends the length prefix to b.
func PutLengthEncodedString(b []byte) []byte {
	data := make([]byte, 0, len(b)+9)
	data = append(data, PutLengthEncodedInt(uint64(len(b)))...)
	return append(data, b...)
}

// Uint16ToBytes encodes n little-endian.
func Uint16ToBytes(n uint16) []byte {
	return []byte{byte(n), byte(n >> 8)}
}

// Uint32ToBytes encodes n little-endian.
func Uint32ToBytes(n uint32) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}
