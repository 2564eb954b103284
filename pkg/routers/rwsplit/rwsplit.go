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

// Package rwsplit routes reads to replicas and writes to the main
// server, replays the session-command history on reconnect and can
// replay an in-flight transaction on a new backend when the original
// one dies.
package rwsplit

import (
	"strings"

	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/logutil"
	"github.com/moxyio/moxy/pkg/mysql"
	"github.com/moxyio/moxy/pkg/proxy"
)

// Config is the router configuration.
type Config struct {
	// TransactionReplay enables replaying an in-flight transaction on
	// a new backend after the original one died.
	TransactionReplay bool `toml:"transaction_replay"`
	// TransactionReplaySafeCommit refuses to replay a COMMIT that was
	// in flight when the backend died. With it off the COMMIT is
	// replayed, at the risk of committing twice.
	TransactionReplaySafeCommit bool `toml:"transaction_replay_safe_commit"`
}

// Router is instantiated once per service.
type Router struct {
	cfg Config
}

var _ proxy.Router = (*Router)(nil)

// NewRouter creates the router.
func NewRouter(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// NewRouterSession implements the proxy.Router interface.
func (r *Router) NewRouterSession(s *proxy.Session, backends []*proxy.Backend) (proxy.RouterSession, error) {
	if len(backends) == 0 {
		return nil, moerr.NewNoAvailableBackend("no servers configured")
	}
	return &routerSession{
		router:   r,
		session:  s,
		backends: backends,
	}, nil
}

// trxEntry is one buffered transaction statement.
type trxEntry struct {
	packet []byte
	// checksum of the first response packet of the original run.
	checksum uint32
	// answered means the client already saw the reply; on replay its
	// new reply is suppressed.
	answered bool
}

type routerSession struct {
	router   *Router
	session  *proxy.Session
	backends []*proxy.Backend

	main    *proxy.BackendConn
	replica *proxy.BackendConn

	// current is the endpoint the reply in flight belongs to.
	current *proxy.BackendConn

	// trx is the buffered transaction for replay.
	trx            []*trxEntry
	trxLive        bool
	commitInFlight bool

	replaying bool
	replayIdx int
}

var _ proxy.RouterSession = (*routerSession)(nil)

// isWrite classifies a statement for target selection.
func isWrite(packet []byte) bool {
	switch mysql.Command(packet) {
	case mysql.ComQuery:
	case mysql.ComStmtExecute, mysql.ComStmtBulkExecute:
		return true
	default:
		return true
	}
	sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
	upper := strings.ToUpper(sql)
	for _, prefix := range []string{"SELECT", "SHOW", "EXPLAIN", "DESCRIBE", "DESC "} {
		if strings.HasPrefix(upper, prefix) {
			return strings.Contains(upper, "FOR UPDATE") ||
				strings.Contains(upper, "LOCK IN SHARE MODE")
		}
	}
	return true
}

func isCommit(packet []byte) bool {
	if mysql.Command(packet) != mysql.ComQuery {
		return false
	}
	sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
	return strings.HasPrefix(strings.ToUpper(sql), "COMMIT")
}

// RouteQuery implements the proxy.RouterSession interface.
func (rs *routerSession) RouteQuery(packet []byte) bool {
	proto := rs.session.Protocol()
	useMain := proto.IsTrxActive() || proto.IsTrxStarting() || isWrite(packet)

	target, ok := rs.pickEndpoint(useMain, packet)
	if !ok {
		// Waiting on admission; the packet is re-dispatched when the
		// endpoint wakes up.
		return true
	}
	if target == nil {
		return false
	}

	if proto.IsTrxActive() || proto.IsTrxStarting() {
		rs.trxLive = true
		own := make([]byte, len(packet))
		copy(own, packet)
		rs.trx = append(rs.trx, &trxEntry{packet: own})
		rs.commitInFlight = isCommit(packet)
	}

	return rs.send(target, packet)
}

func (rs *routerSession) send(target *proxy.BackendConn, packet []byte) bool {
	rs.current = target
	if rs.session.Protocol().WillRespond(packet) {
		target.ExpectResponse()
	}
	if err := target.Write(packet); err != nil {
		return rs.HandleError(proxy.ErrorTypeTransient, err.Error(), target, nil)
	}
	return true
}

// pickEndpoint returns the endpoint for this statement, opening one if
// needed. ok=false means the route is parked on admission.
func (rs *routerSession) pickEndpoint(useMain bool, packet []byte) (*proxy.BackendConn, bool) {
	if useMain {
		if rs.main != nil {
			return rs.main, true
		}
		conn, parked := rs.connect(rs.mainBackend(), packet, func(c *proxy.BackendConn) {
			rs.main = c
		})
		return conn, !parked
	}
	if rs.replica != nil {
		return rs.replica, true
	}
	if b := rs.replicaBackend(); b != nil {
		conn, parked := rs.connect(b, packet, func(c *proxy.BackendConn) {
			rs.replica = c
		})
		if parked {
			return nil, false
		}
		if conn != nil {
			return conn, true
		}
	}
	// No usable replica; reads fall back to the main.
	return rs.pickEndpoint(true, packet)
}

func (rs *routerSession) mainBackend() *proxy.Backend {
	for _, b := range rs.backends {
		if b.IsRunning() {
			return b
		}
	}
	return nil
}

func (rs *routerSession) replicaBackend() *proxy.Backend {
	main := rs.mainBackend()
	for _, b := range rs.backends {
		if b != main && b.IsRunning() {
			return b
		}
	}
	return nil
}

// connect acquires a connection, honouring admission control. parked
// means the session waits in the server's FIFO; the packet is sent on
// wakeup or the session dies on multiplex timeout.
func (rs *routerSession) connect(b *proxy.Backend, packet []byte, attach func(*proxy.BackendConn)) (conn *proxy.BackendConn, parked bool) {
	if b == nil {
		return nil, false
	}
	conn, limit, err := rs.session.AcquireBackend(b)
	if err != nil {
		logutil.Error("backend connect failed",
			zap.String("backend", b.Name), zap.Error(err))
		return nil, false
	}
	if limit {
		own := make([]byte, len(packet))
		copy(own, packet)
		rs.session.WaitForBackend(b, func(c *proxy.BackendConn, err error) {
			if err != nil {
				rs.session.Kill(proxy.KillTooManyConnections, err)
				return
			}
			attach(c)
			rs.replayHistory(c)
			rs.send(c, own)
		})
		return nil, true
	}
	attach(conn)
	rs.replayHistory(conn)
	return conn, false
}

// replayHistory resurrects session state on a fresh connection.
func (rs *routerSession) replayHistory(c *proxy.BackendConn) {
	if proto, ok := rs.session.Protocol().(*proxy.MariaDBProtocol); ok {
		if !proto.CanRecoverState() {
			return
		}
	}
	for _, e := range rs.historyEntries() {
		// Replayed commands answer to the proxy, not the client.
		if err := c.Write(e.Packet); err != nil {
			return
		}
	}
}

func (rs *routerSession) historyEntries() []proxy.HistoryEntry {
	type historied interface{ History() *proxy.CommandHistory }
	if h, ok := rs.session.Protocol().(historied); ok && h.History() != nil {
		return h.History().Entries()
	}
	return nil
}

// ClientReply implements the proxy.RouterSession interface.
func (rs *routerSession) ClientReply(packet []byte, down *proxy.BackendConn, reply *proxy.Reply) bool {
	if rs.replaying {
		return rs.replayReply(packet, down, reply)
	}

	// Remember the first-response checksum of the statement for later
	// divergence checks.
	if rs.trxLive && len(rs.trx) > 0 {
		last := rs.trx[len(rs.trx)-1]
		if last.checksum == 0 {
			last.checksum = reply.Checksum
		}
		if reply.Complete {
			last.answered = true
		}
	}

	if reply.Complete {
		if !rs.session.Protocol().IsTrxActive() && !rs.commitCompleting(reply) {
			// Transaction over; drop the replay buffer.
			rs.resetTrx()
		}
		rs.commitInFlight = false
	}
	return rs.session.ClientReply(packet, down, reply)
}

func (rs *routerSession) commitCompleting(reply *proxy.Reply) bool {
	return reply.Status&mysql.ServerStatusInTrans != 0
}

func (rs *routerSession) resetTrx() {
	rs.trx = nil
	rs.trxLive = false
}

// replayReply consumes replies to replayed statements, comparing the
// first-response checksum of each result set against the original.
func (rs *routerSession) replayReply(packet []byte, down *proxy.BackendConn, reply *proxy.Reply) bool {
	if rs.replayIdx >= len(rs.trx) {
		rs.replaying = false
		return rs.session.ClientReply(packet, down, reply)
	}
	entry := rs.trx[rs.replayIdx]

	if entry.answered && entry.checksum != 0 && reply.Checksum != entry.checksum {
		rs.session.Worker().NoteReplayDiverged()
		err := moerr.NewReplayDiverged("response checksum mismatch")
		logutil.Error("transaction replay diverged",
			zap.Uint64("session", rs.session.ID()))
		rs.session.Kill(proxy.KillHandleErrorFailed, err)
		return false
	}

	if !entry.answered {
		// The statement the client is still waiting for: forward its
		// reply.
		forwarded := rs.session.ClientReply(packet, down, reply)
		if reply.Complete {
			entry.answered = true
			rs.replayIdx++
			if rs.replayIdx >= len(rs.trx) {
				rs.finishReplay()
			}
		}
		return forwarded
	}

	// An already-answered statement: swallow the replayed reply.
	if reply.Complete {
		rs.replayIdx++
		if rs.replayIdx >= len(rs.trx) {
			rs.finishReplay()
		}
	}
	return true
}

func (rs *routerSession) finishReplay() {
	rs.replaying = false
	rs.replayIdx = 0
	logutil.Info("transaction replay finished",
		zap.Uint64("session", rs.session.ID()))
}

// HandleError implements the proxy.RouterSession interface.
func (rs *routerSession) HandleError(typ proxy.ErrorType, message string, failing *proxy.BackendConn, reply *proxy.Reply) bool {
	if typ == proxy.ErrorTypeFatal {
		return false
	}

	if failing == rs.replica {
		// Drop the dead replica; the next read opens a new replica
		// connection, or falls back to the main when none is running.
		rs.replica = nil
		return true
	}

	if failing != rs.main {
		return true
	}
	rs.main = nil

	if !rs.trxLive {
		// No transaction in flight: the next statement reconnects and
		// replays the session-command history.
		return true
	}
	if !rs.router.cfg.TransactionReplay {
		return false
	}
	if rs.commitInFlight && rs.router.cfg.TransactionReplaySafeCommit {
		// Replaying a COMMIT could commit twice; refuse and let the
		// client see the error.
		logutil.Warn("not replaying in-flight COMMIT",
			zap.Uint64("session", rs.session.ID()))
		return false
	}
	return rs.startReplay()
}

// startReplay re-issues the buffered transaction on a new main.
func (rs *routerSession) startReplay() bool {
	b := rs.mainBackend()
	if b == nil {
		return false
	}
	conn, limit, err := rs.session.AcquireBackend(b)
	if err != nil || limit || conn == nil {
		return false
	}
	rs.main = conn
	rs.replayHistory(conn)

	rs.session.Worker().NoteReplayStarted()
	rs.replaying = true
	rs.replayIdx = 0
	rs.current = conn
	for _, e := range rs.trx {
		if rs.session.Protocol().WillRespond(e.packet) {
			conn.ExpectResponse()
		}
		if err := conn.Write(e.packet); err != nil {
			return false
		}
	}
	logutil.Info("transaction replay started",
		zap.Uint64("session", rs.session.ID()),
		zap.Int("statements", len(rs.trx)),
		zap.String("backend", b.Name))
	return true
}

// Close implements the proxy.RouterSession interface.
func (rs *routerSession) Close() {
	if rs.main != nil {
		rs.session.ReleaseBackend(rs.main)
		rs.main = nil
	}
	if rs.replica != nil {
		rs.session.ReleaseBackend(rs.replica)
		rs.replica = nil
	}
}
