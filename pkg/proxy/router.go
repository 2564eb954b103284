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

package proxy

import (
	"github.com/moxyio/moxy/pkg/mysql"
)

// ReplyKind is the three-way classification of a backend reply.
type ReplyKind int

const (
	ReplyKindOK ReplyKind = iota
	ReplyKindResultSet
	ReplyKindError
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyKindOK:
		return "ok"
	case ReplyKindResultSet:
		return "resultset"
	}
	return "error"
}

// Reply is the metadata travelling with each upstream delivery.
type Reply struct {
	// Kind keeps error, resultset and ok distinct; the three are not
	// conflated on the presence of Error alone.
	Kind ReplyKind
	// Complete is set when the reply stream for the request has fully
	// arrived.
	Complete bool
	// Error is the decoded ERR packet, when Kind is ReplyKindError.
	Error *mysql.ERRPacket
	// Checksum digests the first response of each result set; routers
	// compare it to detect replay divergence.
	Checksum uint32
	// Status is the final server status word observed.
	Status uint16
}

// ErrorType tells a router what failed when it is consulted through
// HandleError.
type ErrorType int

const (
	// ErrorTypeTransient: the failing endpoint died but the session
	// may continue on another backend.
	ErrorTypeTransient ErrorType = iota
	// ErrorTypeFatal: the session cannot be saved.
	ErrorTypeFatal
)

// Router is a pluggable routing strategy, instantiated once per
// service. It produces one RouterSession per client session.
type Router interface {
	// NewRouterSession binds the router to a session and its candidate
	// backends.
	NewRouterSession(s *Session, backends []*Backend) (RouterSession, error)
}

// RouterSession dispatches the packets of one client session.
type RouterSession interface {
	// RouteQuery routes one client packet to one or more backends.
	// Returning false is fatal for the session.
	RouteQuery(packet []byte) bool

	// ClientReply carries one reply packet from a backend towards the
	// client. Returning false is fatal for the session.
	ClientReply(packet []byte, down *BackendConn, reply *Reply) bool

	// HandleError is consulted when an endpoint fails. Returning true
	// keeps the session alive.
	HandleError(typ ErrorType, message string, failing *BackendConn, reply *Reply) bool

	// Close releases the router session's endpoints.
	Close()
}
