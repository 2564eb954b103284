// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mysql

import (
	"crypto/rand"

	"github.com/moxyio/moxy/pkg/common/moerr"
)

// DefaultCharset is utf8mb4.
const DefaultCharset = 45

// HandshakeResponse is the parsed client HandshakeResponse41. The
// proxy only needs identity and capabilities; credentials are handed
// to the pluggable authenticator untouched.
type HandshakeResponse struct {
	Capabilities Capabilities
	MaxPacket    uint32
	Charset      uint8
	User         string
	AuthResponse []byte
	Database     string
	AuthPlugin   string
}

// NewSalt returns the 20-byte auth plugin data for a greeting.
func NewSalt() []byte {
	salt := make([]byte, 20)
	_, _ = rand.Read(salt)
	for i := range salt {
		// Keep every byte printable and non-NUL.
		salt[i] = salt[i]%94 + 33
	}
	return salt
}

// BuildHandshakeV10 builds the server greeting packet.
func BuildHandshakeV10(serverVersion string, connID uint32, salt []byte, caps Capabilities) []byte {
	payload := make([]byte, 0, 128)
	payload = append(payload, 10) // protocol version
	payload = append(payload, serverVersion...)
	payload = append(payload, 0)
	payload = AppendUint32(payload, connID)
	payload = append(payload, salt[:8]...)
	payload = append(payload, 0)
	payload = AppendUint16(payload, uint16(caps.Base()))
	payload = append(payload, DefaultCharset)
	payload = AppendUint16(payload, ServerStatusAutocommit)
	payload = AppendUint16(payload, uint16(caps.Base()>>16))
	payload = append(payload, byte(len(salt)+1))
	// 6 reserved bytes, then the MariaDB extended capability word.
	payload = append(payload, 0, 0, 0, 0, 0, 0)
	payload = AppendUint32(payload, caps.Extended())
	payload = append(payload, salt[8:]...)
	payload = append(payload, 0)
	payload = append(payload, "mysql_native_password"...)
	payload = append(payload, 0)
	return NewPacket(0, payload)
}

// ParseHandshakeResponse parses a HandshakeResponse41 packet.
func ParseHandshakeResponse(packet []byte) (*HandshakeResponse, error) {
	payload := Payload(packet)
	if len(payload) < 32 {
		return nil, moerr.NewMalformedPacket("short handshake response")
	}
	r := &HandshakeResponse{}
	base, _ := ReadUint32(payload, 0)
	if base&CapProtocol41 == 0 {
		return nil, moerr.NewProtocolError("pre-4.1 clients are not supported")
	}
	r.MaxPacket, _ = ReadUint32(payload, 4)
	r.Charset = payload[8]
	// 19 filler bytes, then the MariaDB extended capability word.
	ext, _ := ReadUint32(payload, 28)
	r.Capabilities = NewCapabilities(base, ext)

	pos := 32
	var ok bool
	r.User, pos, ok = ReadStringNUL(payload, pos)
	if !ok {
		return nil, moerr.NewMalformedPacket("handshake response user")
	}

	if base&CapAuthLenencData != 0 {
		n, next, good := ReadIntLenEnc(payload, pos)
		if !good || next+int(n) > len(payload) {
			return nil, moerr.NewMalformedPacket("handshake auth data")
		}
		r.AuthResponse = payload[next : next+int(n)]
		pos = next + int(n)
	} else if base&CapSecureConnection != 0 {
		if pos >= len(payload) {
			return nil, moerr.NewMalformedPacket("handshake auth data")
		}
		n := int(payload[pos])
		pos++
		if pos+n > len(payload) {
			return nil, moerr.NewMalformedPacket("handshake auth data")
		}
		r.AuthResponse = payload[pos : pos+n]
		pos += n
	} else {
		r.AuthResponse, pos, ok = readBytesNUL(payload, pos)
		if !ok {
			return nil, moerr.NewMalformedPacket("handshake auth data")
		}
	}

	if base&CapConnectWithDB != 0 && pos < len(payload) {
		r.Database, pos, _ = ReadStringNUL(payload, pos)
	}
	if base&CapPluginAuth != 0 && pos < len(payload) {
		r.AuthPlugin, _, _ = ReadStringNUL(payload, pos)
	}
	return r, nil
}

func readBytesNUL(data []byte, pos int) ([]byte, int, bool) {
	for i := pos; i < len(data); i++ {
		if data[i] == 0 {
			return data[pos:i], i + 1, true
		}
	}
	return nil, 0, false
}
