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
	"strings"

	"github.com/moxyio/moxy/pkg/mysql"
)

// ProtocolData is the per-session protocol-state object. The session
// consults it for routing policy; the MariaDB variant below is the one
// implementation the core ships. The concrete type is selected by the
// protocol module name given at listener creation, so protocol
// conditional behaviour stays behind this interface.
type ProtocolData interface {
	// WillRespond reports whether the server answers this request.
	WillRespond(packet []byte) bool
	// CanRecoverState is true iff the session-command history is still
	// complete in memory, or the configuration allows recovery from a
	// truncated history.
	CanRecoverState() bool

	IsTrxActive() bool
	IsTrxReadOnly() bool
	IsTrxStarting() bool
	IsTrxEnding() bool
	IsAutocommit() bool
	AreMultiStatementsAllowed() bool

	// TrackQuery observes a client request before it is routed.
	TrackQuery(packet []byte)
	// TrackReply observes the final OK/EOF status of a reply.
	TrackReply(status uint16)

	// StaticSize and VaryingSize report owned bytes for the admin
	// memory surface.
	StaticSize() int64
	VaryingSize() int64
}

// MariaDBProtocol tracks MariaDB/MySQL session state.
type MariaDBProtocol struct {
	capabilities mysql.Capabilities

	db   string
	user string

	autocommit  bool
	trxActive   bool
	trxReadOnly bool
	trxStarting bool
	trxEnding   bool

	history *CommandHistory
	// pruneAllowed permits recovery from a truncated history.
	pruneAllowed bool
}

var _ ProtocolData = (*MariaDBProtocol)(nil)

// NewMariaDBProtocol creates protocol data for one session.
func NewMariaDBProtocol(user, db string, caps mysql.Capabilities, history *CommandHistory, pruneAllowed bool) *MariaDBProtocol {
	return &MariaDBProtocol{
		capabilities: caps,
		user:         user,
		db:           db,
		autocommit:   true,
		history:      history,
		pruneAllowed: pruneAllowed,
	}
}

// History returns the session-command history.
func (p *MariaDBProtocol) History() *CommandHistory {
	return p.history
}

// Capabilities returns the combined capability word negotiated at
// handshake; the proxy preserves it end-to-end.
func (p *MariaDBProtocol) Capabilities() mysql.Capabilities {
	return p.capabilities
}

// Database returns the current default schema.
func (p *MariaDBProtocol) Database() string {
	return p.db
}

// User returns the authenticated user.
func (p *MariaDBProtocol) User() string {
	return p.user
}

// WillRespond implements the ProtocolData interface.
func (p *MariaDBProtocol) WillRespond(packet []byte) bool {
	return mysql.CommandWillRespond(mysql.Command(packet))
}

// CanRecoverState implements the ProtocolData interface.
func (p *MariaDBProtocol) CanRecoverState() bool {
	if p.history == nil {
		return true
	}
	return !p.history.Pruned() || p.pruneAllowed
}

func (p *MariaDBProtocol) IsTrxActive() bool   { return p.trxActive }
func (p *MariaDBProtocol) IsTrxReadOnly() bool { return p.trxActive && p.trxReadOnly }
func (p *MariaDBProtocol) IsTrxStarting() bool { return p.trxStarting }
func (p *MariaDBProtocol) IsTrxEnding() bool   { return p.trxEnding }
func (p *MariaDBProtocol) IsAutocommit() bool  { return p.autocommit }

// AreMultiStatementsAllowed implements the ProtocolData interface.
func (p *MariaDBProtocol) AreMultiStatementsAllowed() bool {
	return p.capabilities.HasBase(mysql.CapMultiStatements)
}

// TrackQuery implements the ProtocolData interface.
func (p *MariaDBProtocol) TrackQuery(packet []byte) {
	p.trxStarting = false
	p.trxEnding = false

	switch mysql.Command(packet) {
	case mysql.ComInitDB:
		p.db = string(mysql.Payload(packet)[1:])
		return
	case mysql.ComQuery:
	default:
		return
	}

	sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
	upper := strings.ToUpper(sql)
	switch {
	case strings.HasPrefix(upper, "BEGIN"),
		strings.HasPrefix(upper, "START TRANSACTION"):
		p.trxStarting = true
		p.trxActive = true
		p.trxReadOnly = strings.Contains(upper, "READ ONLY")
	case strings.HasPrefix(upper, "COMMIT"),
		strings.HasPrefix(upper, "ROLLBACK"):
		p.trxEnding = true
	case strings.HasPrefix(upper, "SET"):
		p.trackSet(upper)
	case strings.HasPrefix(upper, "USE "):
		p.db = strings.Trim(strings.TrimSpace(sql[4:]), "`")
	default:
		if !p.autocommit && !p.trxActive {
			// With autocommit off, any statement opens a transaction.
			p.trxActive = true
			p.trxReadOnly = false
		}
	}
}

func (p *MariaDBProtocol) trackSet(upper string) {
	cleaned := strings.ReplaceAll(upper, " ", "")
	if strings.Contains(cleaned, "AUTOCOMMIT=0") ||
		strings.Contains(cleaned, "AUTOCOMMIT=OFF") ||
		strings.Contains(cleaned, "AUTOCOMMIT=FALSE") {
		p.autocommit = false
	} else if strings.Contains(cleaned, "AUTOCOMMIT=1") ||
		strings.Contains(cleaned, "AUTOCOMMIT=ON") ||
		strings.Contains(cleaned, "AUTOCOMMIT=TRUE") {
		p.autocommit = true
	}
}

// TrackReply implements the ProtocolData interface. The server status
// word is authoritative for the transaction state.
func (p *MariaDBProtocol) TrackReply(status uint16) {
	p.trxActive = status&mysql.ServerStatusInTrans != 0
	p.trxReadOnly = status&mysql.ServerStatusInTransReadonly != 0
	if !p.trxActive {
		p.trxEnding = false
	}
	p.trxStarting = false
}

// StaticSize implements the ProtocolData interface.
func (p *MariaDBProtocol) StaticSize() int64 {
	return int64(64 + len(p.user) + len(p.db))
}

// VaryingSize implements the ProtocolData interface.
func (p *MariaDBProtocol) VaryingSize() int64 {
	if p.history == nil {
		return 0
	}
	return p.history.Size()
}
