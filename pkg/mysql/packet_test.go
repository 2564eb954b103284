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
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	Convey("framing a stream of packets", t, func() {
		Convey("two whole packets and a partial leave the partial as residual", func() {
			stream := []byte{
				0x01, 0x00, 0x00, 0x00, 0x01, // COM_QUIT
				0x05, 0x00, 0x00, 0x00, 0x03, 0x53, 0x45, 0x4c, 0x31, // COM_QUERY "SEL1"
				0x03, 0x00, 0x00, 0x00, // partial header of the next packet
			}
			packets, residual := Frame(stream)
			So(packets, ShouldHaveLength, 2)
			So(Command(packets[0]), ShouldEqual, ComQuit)
			So(Command(packets[1]), ShouldEqual, ComQuery)
			So(residual, ShouldResemble, []byte{0x03, 0x00, 0x00, 0x00})
		})

		Convey("a zero length payload is a valid empty packet", func() {
			stream := []byte{0x00, 0x00, 0x00, 0x05}
			packets, residual := Frame(stream)
			So(packets, ShouldHaveLength, 1)
			So(Payload(packets[0]), ShouldBeEmpty)
			So(Seq(packets[0]), ShouldEqual, 5)
			So(residual, ShouldBeEmpty)
		})

		Convey("fewer than three bytes stay in the residual", func() {
			packets, residual := Frame([]byte{0x01, 0x00})
			So(packets, ShouldBeEmpty)
			So(residual, ShouldHaveLength, 2)
		})

		Convey("well formed packets round trip with an empty residual", func() {
			var stream []byte
			want := [][]byte{
				NewPacket(0, []byte{ComQuit}),
				NewPacket(1, bytes.Repeat([]byte{0xAA}, 100)),
				NewPacket(2, nil),
			}
			for _, p := range want {
				stream = append(stream, p...)
			}
			packets, residual := Frame(stream)
			So(residual, ShouldBeEmpty)
			So(packets, ShouldHaveLength, len(want))
			for i := range want {
				So(packets[i], ShouldResemble, want[i])
			}
		})
	})
}

func TestFrameMaxPayloadContinuation(t *testing.T) {
	// A payload of exactly 0xFFFFFF bytes must be followed by a
	// continuation packet, even an empty one.
	big := NewPacket(0, bytes.Repeat([]byte{0x01}, MaxPayloadLen))
	empty := NewPacket(1, nil)
	stream := append(append([]byte{}, big...), empty...)

	packets, residual := Frame(stream)
	require.Empty(t, residual)
	require.Len(t, packets, 2)
	h, ok := ParseHeader(packets[0])
	require.True(t, ok)
	require.Equal(t, uint32(MaxPayloadLen), h.Length)
	require.Empty(t, Payload(packets[1]))
}

func TestClassify(t *testing.T) {
	Convey("reply packet classification", t, func() {
		okPacket := BuildOK(1, &OKPacket{Status: ServerStatusAutocommit})
		errPacket := BuildErr(1, 1045, "28000", "nope")
		eofPacket := NewPacket(1, []byte{0xFE, 0x00, 0x00, 0x02, 0x00})

		So(Classify(okPacket, false), ShouldEqual, KindOK)
		So(Classify(errPacket, false), ShouldEqual, KindERR)
		So(Classify(eofPacket, false), ShouldEqual, KindEOF)
		So(Classify(NewPacket(1, []byte{0xFB}), false), ShouldEqual, KindLocalInfile)
		So(Classify(NewPacket(1, []byte{0x05}), false), ShouldEqual, KindData)

		Convey("0xFE during auth is an auth switch request", func() {
			p := NewPacket(2, append([]byte{0xFE}, []byte("mysql_native_password\x00")...))
			So(Classify(p, true), ShouldEqual, KindAuthSwitch)
			So(Classify(p, false), ShouldEqual, KindData)
		})

		Convey("a short 0x00 payload is row data, not OK", func() {
			p := NewPacket(1, []byte{0x00, 0x01})
			So(Classify(p, false), ShouldEqual, KindData)
		})
	})
}

func TestCommandTables(t *testing.T) {
	require.True(t, IsPSCommand(ComStmtPrepare))
	require.True(t, IsPSCommand(ComStmtExecute))
	require.True(t, IsPSCommand(ComStmtBulkExecute))
	require.False(t, IsPSCommand(ComQuery))

	require.False(t, CommandWillRespond(ComQuit))
	require.False(t, CommandWillRespond(ComStmtClose))
	require.False(t, CommandWillRespond(ComStmtSendLongData))
	require.True(t, CommandWillRespond(ComQuery))
	require.True(t, CommandWillRespond(ComPing))
}

func TestOKRoundTrip(t *testing.T) {
	in := &OKPacket{
		AffectedRows: 3,
		LastInsertID: 77,
		Status:       ServerStatusAutocommit | ServerMoreResultsExist,
		Warnings:     1,
		Message:      "Rows matched: 3",
	}
	out, err := ParseOK(BuildOK(1, in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestErrPacket(t *testing.T) {
	Convey("ERR packets", t, func() {
		p := BuildErr(1, 1927, "70100", "connection was killed")

		Convey("the payload layout matches the wire format", func() {
			payload := Payload(p)
			So(payload[0], ShouldEqual, 0xFF)
			So(len(payload), ShouldEqual, 1+2+6+len("connection was killed"))
			So(payload[3], ShouldEqual, '#')
		})

		Convey("parsing recovers the fields", func() {
			e, err := ParseErr(p)
			So(err, ShouldBeNil)
			So(e.ErrNo, ShouldEqual, 1927)
			So(e.SqlState, ShouldEqual, "70100")
			So(e.Message, ShouldEqual, "connection was killed")
		})

		Convey("the sqlstate marker is optional on input", func() {
			payload := []byte{0xFF, 0x28, 0x04}
			payload = append(payload, "no marker here"...)
			e, err := ParseErr(NewPacket(1, payload))
			So(err, ShouldBeNil)
			So(e.ErrNo, ShouldEqual, 0x0428)
			So(e.SqlState, ShouldEqual, "HY000")
			So(e.Message, ShouldEqual, "no marker here")
		})
	})
}

func TestCapabilities(t *testing.T) {
	c := NewCapabilities(CapProtocol41|CapDeprecateEOF, 0x14)
	require.True(t, c.HasBase(CapProtocol41))
	require.True(t, c.Has(CapMariaDBStmtBulkOperations))
	require.True(t, c.Has(CapMariaDBCacheMetadata))
	require.Equal(t, uint32(0x14), c.Extended())
	require.Equal(t, CapProtocol41|CapDeprecateEOF, c.Base())
}
