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
	"github.com/fagongzi/goetty/v2/buf"
	"github.com/fagongzi/goetty/v2/codec"
)

// sqlCodec frames MySQL packets on a goetty session. Decode yields one
// whole packet (header included) per message; Encode writes raw bytes
// through unchanged, since the proxy forwards packets it already
// framed.
type sqlCodec struct{}

// NewSqlCodec returns a codec that speaks MySQL packet framing.
func NewSqlCodec() codec.Codec {
	return &sqlCodec{}
}

func (c *sqlCodec) Decode(in *buf.ByteBuf) (bool, any, error) {
	readable := in.Readable()
	if readable < HeaderLen {
		return false, nil, nil
	}
	idx := in.GetReadIndex()
	head := in.RawSlice(idx, idx+HeaderLen)
	h, _ := ParseHeader(head)
	total := HeaderLen + int(h.Length)
	if readable < total {
		return false, nil, nil
	}
	packet := make([]byte, total)
	copy(packet, in.RawSlice(idx, idx+total))
	in.SetReadIndex(idx + total)
	return true, packet, nil
}

func (c *sqlCodec) Encode(data any, out *buf.ByteBuf) error {
	packet := data.([]byte)
	idx := out.GetWriteIndex()
	out.Grow(len(packet))
	copy(out.RawBuf()[idx:idx+len(packet)], packet)
	out.SetWriteIndex(idx + len(packet))
	return nil
}
