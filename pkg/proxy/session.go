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
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/logutil"
	"github.com/moxyio/moxy/pkg/mysql"
)

// SessionState is the lifecycle state.
type SessionState int32

const (
	SessionCreated SessionState = iota
	SessionStarted
	SessionStopping
	SessionFailed
	SessionFree
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "Created"
	case SessionStarted:
		return "Started"
	case SessionStopping:
		return "Stopping"
	case SessionFailed:
		return "Failed"
	case SessionFree:
		return "Free"
	}
	return "Unknown"
}

// KillReason records why the core closed a session.
type KillReason int

const (
	KillNone KillReason = iota
	KillTimeout
	KillHandleErrorFailed
	KillRoutingFailed
	KillKilled
	KillTooManyConnections
)

func (r KillReason) String() string {
	switch r {
	case KillTimeout:
		return "Timeout"
	case KillHandleErrorFailed:
		return "HandleErrorFailed"
	case KillRoutingFailed:
		return "RoutingFailed"
	case KillKilled:
		return "Killed"
	case KillTooManyConnections:
		return "TooManyConnections"
	}
	return "None"
}

// VariableHandler parses the value of a session variable set from the
// client. A non-nil error carries the user-facing message.
type VariableHandler func(value string) error

// sessionMaxID is the process-global session id counter, exposed on
// the admin surface as session_max_id.
var sessionMaxID atomic.Uint64

// SessionMaxID returns the highest session id handed out so far.
func SessionMaxID() uint64 {
	return sessionMaxID.Load()
}

// ClientConn is the client-side transport of a session. The real one
// wraps the accepted socket; tests plug in fakes.
type ClientConn interface {
	Write(packet []byte) error
	Close() error
	RemoteAddress() string
}

// VariablePrefix is the namespace of proxy-owned session variables:
// @moxy.<scope>.<name>.
const VariablePrefix = "@moxy."

// Session ties one client connection to zero or more backend
// connections. It exists only on the worker that created it; moving it
// is a migration performed from that worker's loop.
type Session struct {
	id     uint64
	worker *Worker
	// owner duplicates worker for cross-thread readers; migration
	// updates both on the destination loop.
	owner  atomic.Pointer[Worker]
	client ClientConn
	user       string
	remoteHost string

	state      atomic.Int32
	refs       atomic.Int32
	killReason atomic.Int32

	proto    ProtocolData
	router   Router
	filterMk []Filter

	rsession RouterSession
	filters  []FilterSession

	backends []*BackendConn

	// replyPending is set while a request that will be answered is in
	// flight; the per-connection reply walk lives on the BackendConn.
	replyPending bool

	// shortCircuit holds a filter-provided response for the current
	// request.
	shortCircuit []byte

	variables map[string]VariableHandler

	// retained is the ring of last statements for post-mortem dumps.
	retained     [][]byte
	retainedNext int

	// logBuffer is the per-session log ring, dumped on kill.
	logBuffer []string

	idleSince time.Time
	createdAt time.Time
}

// NewSession creates a session owned by w. The caller runs on w's loop.
func NewSession(w *Worker, client ClientConn, user string, proto ProtocolData, router Router, filters []Filter) *Session {
	s := &Session{
		id:         sessionMaxID.Add(1),
		worker:     w,
		client:     client,
		user:       user,
		remoteHost: client.RemoteAddress(),
		proto:      proto,
		router:     router,
		filterMk:   filters,
		variables:  make(map[string]VariableHandler),
		retained:   make([][]byte, w.params().RetainedStatements),
		idleSince:  time.Now(),
		createdAt:  time.Now(),
	}
	s.refs.Store(1)
	s.owner.Store(w)
	return s
}

// NewDetachedSession creates a session holding only protocol data. It
// cannot route; routers use it to exercise target resolution in tests
// and dry runs.
func NewDetachedSession(proto ProtocolData) *Session {
	s := &Session{
		proto:     proto,
		variables: make(map[string]VariableHandler),
		idleSince: time.Now(),
		createdAt: time.Now(),
	}
	s.refs.Store(1)
	return s
}

// OwnerWorker is the migration-safe owner lookup for goroutines
// outside the loop, such as the client reader.
func (s *Session) OwnerWorker() *Worker {
	return s.owner.Load()
}

// ID returns the process-unique session id.
func (s *Session) ID() uint64 { return s.id }

// Worker returns the owning worker.
func (s *Session) Worker() *Worker { return s.worker }

// User returns the authenticated user identity.
func (s *Session) User() string { return s.user }

// RemoteHost returns the client address.
func (s *Session) RemoteHost() string { return s.remoteHost }

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Protocol returns the protocol-data object.
func (s *Session) Protocol() ProtocolData { return s.proto }

// KilledBecause returns the recorded kill reason.
func (s *Session) KilledBecause() KillReason {
	return KillReason(s.killReason.Load())
}

// Retain takes a reference; Release drops it.
func (s *Session) Retain() { s.refs.Add(1) }

// Release drops a reference. When the last one goes and the session is
// stopping, the memory is reclaimed on the owning worker.
func (s *Session) Release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	if s.State() == SessionStopping || s.State() == SessionFailed {
		s.state.Store(int32(SessionFree))
		s.worker.removeSession(s)
	}
}

// Start creates the router session and the filter sessions. It is
// allowed only in the Created state; auth happened before it.
func (s *Session) Start() bool {
	if !s.state.CompareAndSwap(int32(SessionCreated), int32(SessionStarted)) {
		return false
	}
	rs, err := s.router.NewRouterSession(s, s.worker.registry().All())
	if err != nil {
		logutil.Error("creating router session failed",
			zap.Uint64("session", s.id), zap.Error(err))
		s.state.Store(int32(SessionFailed))
		return false
	}
	s.rsession = rs
	for _, f := range s.filterMk {
		fs, err := f.NewFilterSession(s)
		if err != nil {
			logutil.Error("creating filter session failed",
				zap.Uint64("session", s.id), zap.Error(err))
			s.closeFilters()
			s.rsession.Close()
			s.rsession = nil
			s.state.Store(int32(SessionFailed))
			return false
		}
		s.filters = append(s.filters, fs)
	}
	return true
}

// Close is idempotent. It moves the session to Stopping, closes the
// downstream sessions, releases backends towards the pool and parks
// the client DCB on the zombie list until every backend can close.
func (s *Session) Close() {
	st := s.State()
	if st == SessionStopping || st == SessionFree {
		return
	}
	s.state.Store(int32(SessionStopping))

	if s.rsession != nil {
		s.rsession.Close()
	}
	s.closeFilters()

	// addZombie takes over the backends and the client socket; the
	// client closes only when every backend can, or the grace expires.
	s.worker.addZombie(s)
	s.Release()
}

func (s *Session) closeFilters() {
	for _, fs := range s.filters {
		fs.Close()
	}
	s.filters = nil
}

// Kill closes abruptly: an ERR packet goes out first when err is
// non-nil, then the session stops with the recorded reason.
func (s *Session) Kill(reason KillReason, err error) {
	if s.State() == SessionStopping || s.State() == SessionFree {
		return
	}
	s.killReason.Store(int32(reason))
	if err != nil {
		_ = s.client.Write(mysql.BuildErrFromError(1, err))
	}
	s.worker.counters().sessionsKilled.Add(1)
	if len(s.logBuffer) > 0 {
		logutil.Info("session log",
			zap.Uint64("session", s.id),
			zap.Strings("entries", s.logBuffer))
	}
	s.Close()
}

// AddLog appends one entry to the per-session log buffer.
func (s *Session) AddLog(msg string) {
	const maxEntries = 50
	s.logBuffer = append(s.logBuffer, msg)
	if len(s.logBuffer) > maxEntries {
		s.logBuffer = s.logBuffer[1:]
	}
}

// RouteQuery enters the downstream pipeline with one whole client
// packet. Returning false is fatal for the session.
func (s *Session) RouteQuery(packet []byte) bool {
	if s.State() != SessionStarted {
		return false
	}
	s.idleSince = time.Now()
	s.RetainStatement(packet)
	s.proto.TrackQuery(packet)
	s.worker.recordCanonical(packet)

	// Proxy-owned variables are answered locally and never reach the
	// history or a backend.
	if s.handleVariableSet(packet) {
		return true
	}

	if ShouldRecord(packet) {
		if mp, ok := s.proto.(*MariaDBProtocol); ok && mp.History() != nil {
			mp.History().Add(packet, 0)
		}
	}

	if s.proto.WillRespond(packet) {
		s.beginReply()
	}

	for _, fs := range s.filters {
		if !fs.RouteQuery(packet) {
			return false
		}
		if s.shortCircuit != nil {
			// The filter answered the request itself; the router never
			// sees it.
			return s.deliverShortCircuit()
		}
	}
	return s.rsession.RouteQuery(packet)
}

// ClientReply enters the upstream pipeline: filters in reverse order,
// then the client socket. Routers call it to forward a reply.
func (s *Session) ClientReply(packet []byte, down *BackendConn, reply *Reply) bool {
	for i := len(s.filters) - 1; i >= 0; i-- {
		if !s.filters[i].ClientReply(packet, reply) {
			return false
		}
	}
	if err := s.client.Write(packet); err != nil {
		logutil.Debug("client write failed",
			zap.Uint64("session", s.id), zap.Error(err))
		return false
	}
	if reply.Complete {
		s.proto.TrackReply(reply.Status)
		s.replyPending = false
		s.idleSince = time.Now()
	}
	return true
}

// DelayRouting re-enqueues a packet for dispatch from this worker
// after delay; rate-limiting and transient-failure paths use it.
func (s *Session) DelayRouting(packet []byte, delay time.Duration) {
	s.Retain()
	s.worker.ScheduleCall(delay, func() {
		defer s.Release()
		if s.State() != SessionStarted {
			return
		}
		if !s.RouteQuery(packet) {
			s.Kill(KillRoutingFailed, moerr.NewRoutingFailed("delayed dispatch failed"))
		}
	})
}

// RetainStatement records the packet in the post-mortem ring.
func (s *Session) RetainStatement(packet []byte) {
	if len(s.retained) == 0 {
		return
	}
	own := make([]byte, len(packet))
	copy(own, packet)
	s.retained[s.retainedNext%len(s.retained)] = own
	s.retainedNext++
}

// DumpStatements returns the retained statements, oldest first.
func (s *Session) DumpStatements() [][]byte {
	if len(s.retained) == 0 {
		return nil
	}
	var out [][]byte
	start := s.retainedNext
	for i := 0; i < len(s.retained); i++ {
		p := s.retained[(start+i)%len(s.retained)]
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// RegisterVariable registers a handler for @moxy.<scope>.<name>.
func (s *Session) RegisterVariable(name string, handler VariableHandler) error {
	key := strings.ToLower(name)
	if !strings.HasPrefix(key, VariablePrefix) {
		return moerr.NewInvalidInput("session variable %q lacks the %s prefix", name, VariablePrefix)
	}
	if _, dup := s.variables[key]; dup {
		return moerr.NewInvalidInput("session variable %q already registered", name)
	}
	s.variables[key] = handler
	return nil
}

// handleVariableSet intercepts SET statements targeting proxy-owned
// session variables and answers them locally.
func (s *Session) handleVariableSet(packet []byte) bool {
	if mysql.Command(packet) != mysql.ComQuery {
		return false
	}
	sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
	if len(sql) < 4 || !strings.EqualFold(sql[:4], "SET ") {
		return false
	}
	assignment := strings.TrimSpace(sql[4:])
	if !strings.HasPrefix(strings.ToLower(assignment), VariablePrefix) {
		return false
	}
	eq := strings.IndexByte(assignment, '=')
	if eq < 0 {
		return false
	}
	name := strings.ToLower(strings.TrimSpace(assignment[:eq]))
	value := strings.Trim(strings.TrimSpace(assignment[eq+1:]), "'\"")

	handler, ok := s.variables[name]
	if !ok {
		_ = s.client.Write(mysql.BuildErr(1, 1193, "HY000",
			fmt.Sprintf("Unknown system variable '%s'", name)))
		return true
	}
	if err := handler(value); err != nil {
		_ = s.client.Write(mysql.BuildErr(1, 1231, "42000", err.Error()))
		return true
	}
	_ = s.client.Write(mysql.BuildOK(1, &mysql.OKPacket{Status: mysql.ServerStatusAutocommit}))
	return true
}

// setResponse stores a filter short-circuit buffer.
func (s *Session) setResponse(buffer []byte) {
	s.shortCircuit = buffer
}

func (s *Session) deliverShortCircuit() bool {
	buffer := s.shortCircuit
	s.shortCircuit = nil
	reply := &Reply{Kind: ReplyKindOK, Complete: true}
	if mysql.Classify(buffer, false) == mysql.KindERR {
		if e, err := mysql.ParseErr(buffer); err == nil {
			reply.Kind = ReplyKindError
			reply.Error = e
		}
	}
	return s.ClientReply(buffer, nil, reply)
}

// beginReply arms response aggregation for a request that will be
// answered.
func (s *Session) beginReply() {
	s.replyPending = true
}

// handleBackendReply runs on the owning worker when a backend
// delivered framed packets. It maintains the reply metadata and feeds
// the router session.
func (s *Session) handleBackendReply(c *BackendConn, packets [][]byte) {
	if s.State() != SessionStarted {
		return
	}
	for _, p := range packets {
		reply := s.buildReply(c, [][]byte{p})
		if reply.Complete && c.expectedResponses > 0 {
			c.expectedResponses--
			if c.expectedResponses > 0 {
				// Pipelined requests: the next reply starts a fresh
				// walk with its own first-response checksum.
				c.signal.Reset()
				c.replyFound = 0
				c.replyChecksum = 0
				c.checksumDone = false
			}
		}
		if !s.rsession.ClientReply(p, c, reply) {
			s.Kill(KillHandleErrorFailed,
				moerr.NewRoutingFailed("reply handling failed"))
			return
		}
	}
}

// buildReply folds one reply packet into the connection's reply-walk
// state.
func (s *Session) buildReply(c *BackendConn, packets [][]byte) *Reply {
	reply := &Reply{Kind: ReplyKindResultSet}

	found, more, aborted := mysql.CountSignalPackets(packets, c.replyFound, &c.signal)
	c.replyFound = found
	reply.Complete = !more

	for _, p := range packets {
		switch mysql.Classify(p, false) {
		case mysql.KindERR:
			reply.Kind = ReplyKindError
			if e, err := mysql.ParseErr(p); err == nil {
				reply.Error = e
			}
		case mysql.KindOK:
			if ok, err := mysql.ParseOK(p); err == nil {
				reply.Status = ok.Status
				if reply.Kind != ReplyKindError {
					reply.Kind = ReplyKindOK
				}
			}
		case mysql.KindEOF:
			if st, ok := mysql.EOFStatus(p); ok {
				reply.Status = st
			}
		}
		if !c.checksumDone {
			c.replyChecksum = ReplyChecksum([][]byte{p})
			c.checksumDone = true
		}
	}
	if aborted {
		reply.Kind = ReplyKindError
	}
	reply.Checksum = c.replyChecksum
	return reply
}

// handleBackendHangup runs on the owning worker when a backend socket
// died. The router decides whether the session survives.
func (s *Session) handleBackendHangup(c *BackendConn) {
	if s.State() != SessionStarted {
		return
	}
	s.detachBackend(c)
	c.Close()
	err := moerr.NewBackendLost(c.backend.Name)
	if !s.rsession.HandleError(ErrorTypeTransient, err.Error(), c, nil) {
		s.Kill(KillHandleErrorFailed, err)
	}
}

// AttachBackend records ownership of a backend connection.
func (s *Session) AttachBackend(c *BackendConn) {
	c.session = s
	s.backends = append(s.backends, c)
}

// detachBackend forgets a backend connection.
func (s *Session) detachBackend(c *BackendConn) {
	for i, cand := range s.backends {
		if cand == c {
			s.backends = append(s.backends[:i], s.backends[i+1:]...)
			break
		}
	}
	c.session = nil
}

// Backends returns the attached backend connections.
func (s *Session) Backends() []*BackendConn { return s.backends }

// AcquireBackend takes a connection to b from the pool or opens one,
// honouring the server's admission cap.
func (s *Session) AcquireBackend(b *Backend) (conn *BackendConn, limitReached bool, err error) {
	return s.worker.GetBackendConnection(b, s)
}

// WaitForBackend parks this session's endpoint in the server's FIFO
// admission queue; deliver runs on the owning loop.
func (s *Session) WaitForBackend(b *Backend, deliver func(*BackendConn, error)) {
	s.worker.WaitForConnection(b, s, deliver)
}

// ReleaseBackend detaches c and hands it back towards the pool.
func (s *Session) ReleaseBackend(c *BackendConn) {
	s.detachBackend(c)
	s.worker.ReturnConnection(c)
}

// CanPoolBackends reports whether released backends may be parked in
// the pool rather than closed. Mid-transaction state must not leak to
// another session.
func (s *Session) CanPoolBackends() bool {
	return !s.proto.IsTrxActive() && !s.replyPending
}

// Movable reports whether the session may migrate to another worker:
// not mid-transaction and not holding non-replayable state.
func (s *Session) Movable() bool {
	return s.State() == SessionStarted &&
		!s.proto.IsTrxActive() &&
		!s.replyPending &&
		s.proto.CanRecoverState()
}

// Tick runs once per decisecond scan with the idle time in seconds.
func (s *Session) Tick(idleSeconds int) {
	timeout := s.worker.params().IdleClientTimeout.Duration
	if timeout > 0 && time.Duration(idleSeconds)*time.Second >= timeout {
		logutil.Info("closing idle session",
			zap.Uint64("session", s.id),
			zap.Int("idle_seconds", idleSeconds))
		s.Kill(KillTimeout, moerr.NewSessionKilled("idle timeout"))
	}
}

// IdleSeconds returns how long the session has been idle.
func (s *Session) IdleSeconds() int {
	return int(time.Since(s.idleSince) / time.Second)
}

// StaticSize reports fixed per-session bytes owned.
func (s *Session) StaticSize() int64 {
	return int64(256) + s.proto.StaticSize()
}

// VaryingSize reports variable per-session bytes owned.
func (s *Session) VaryingSize() int64 {
	var total int64
	for _, p := range s.retained {
		total += int64(len(p))
	}
	for _, l := range s.logBuffer {
		total += int64(len(l))
	}
	return total + s.proto.VaryingSize()
}
