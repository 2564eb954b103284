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
	"github.com/moxyio/moxy/pkg/common/moerr"
)

// OKPacket is a decoded OK payload.
type OKPacket struct {
	AffectedRows uint64
	LastInsertID uint64
	Status       uint16
	Warnings     uint16
	Message      string
}

// BuildOK builds a whole OK packet.
func BuildOK(seq uint8, ok *OKPacket) []byte {
	payload := make([]byte, 0, 16+len(ok.Message))
	payload = append(payload, 0x00)
	payload = AppendIntLenEnc(payload, ok.AffectedRows)
	payload = AppendIntLenEnc(payload, ok.LastInsertID)
	payload = AppendUint16(payload, ok.Status)
	payload = AppendUint16(payload, ok.Warnings)
	payload = append(payload, ok.Message...)
	return NewPacket(seq, payload)
}

// ParseOK decodes a whole OK packet.
func ParseOK(packet []byte) (*OKPacket, error) {
	payload := Payload(packet)
	if len(payload) < 7 || payload[0] != 0x00 {
		return nil, moerr.NewMalformedPacket("not an OK packet")
	}
	ok := &OKPacket{}
	var good bool
	pos := 1
	ok.AffectedRows, pos, good = ReadIntLenEnc(payload, pos)
	if !good {
		return nil, moerr.NewMalformedPacket("truncated OK packet")
	}
	ok.LastInsertID, pos, good = ReadIntLenEnc(payload, pos)
	if !good {
		return nil, moerr.NewMalformedPacket("truncated OK packet")
	}
	ok.Status, good = ReadUint16(payload, pos)
	if !good {
		return nil, moerr.NewMalformedPacket("truncated OK packet")
	}
	pos += 2
	if w, good := ReadUint16(payload, pos); good {
		ok.Warnings = w
		pos += 2
	}
	if pos < len(payload) {
		ok.Message = string(payload[pos:])
	}
	return ok, nil
}

// EOFStatus returns the server status word of an EOF packet payload
// (0xFE, warnings, status).
func EOFStatus(packet []byte) (uint16, bool) {
	payload := Payload(packet)
	if len(payload) < 5 || payload[0] != 0xFE {
		return 0, false
	}
	return ReadUint16(payload, 3)
}

// ERRPacket is a decoded ERR payload.
type ERRPacket struct {
	ErrNo    uint16
	SqlState string
	Message  string
}

// BuildErr builds a whole ERR packet. The '#' marker and SQLSTATE are
// always emitted; payload length = 1 + 2 + 6 + len(msg).
func BuildErr(seq uint8, errNo uint16, sqlState, msg string) []byte {
	if len(sqlState) != 5 {
		sqlState = moerr.MySQLDefaultSqlState
	}
	payload := make([]byte, 0, 9+len(msg))
	payload = append(payload, 0xFF)
	payload = AppendUint16(payload, errNo)
	payload = append(payload, '#')
	payload = append(payload, sqlState...)
	payload = append(payload, msg...)
	return NewPacket(seq, payload)
}

// BuildErrFromError renders any error as a whole ERR packet; coded
// errors keep their error number and SQLSTATE.
func BuildErrFromError(seq uint8, err error) []byte {
	me := moerr.ConvertError(err)
	return BuildErr(seq, me.MySQLCode(), me.SqlState(), me.Error())
}

// ParseErr decodes a whole ERR packet. The SQLSTATE marker is optional
// on input.
func ParseErr(packet []byte) (*ERRPacket, error) {
	payload := Payload(packet)
	if len(payload) < 3 || payload[0] != 0xFF {
		return nil, moerr.NewMalformedPacket("not an ERR packet")
	}
	e := &ERRPacket{}
	e.ErrNo, _ = ReadUint16(payload, 1)
	rest := payload[3:]
	if len(rest) >= 6 && rest[0] == '#' {
		e.SqlState = string(rest[1:6])
		rest = rest[6:]
	} else {
		e.SqlState = moerr.MySQLDefaultSqlState
	}
	e.Message = string(rest)
	return e, nil
}
