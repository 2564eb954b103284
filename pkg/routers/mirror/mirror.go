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

// Package mirror sends every statement to a main backend and N shadow
// backends, forwards only the main's response and reports checksum
// comparisons of the rest.
package mirror

import (
	"time"

	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/logutil"
	"github.com/moxyio/moxy/pkg/proxy"
)

// Config selects the main backend by name; an empty name means the
// first configured server.
type Config struct {
	Main string `toml:"main"`
}

// Router mirrors traffic to shadow backends.
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
	rs := &routerSession{router: r, session: s}
	for _, b := range backends {
		if b.Name == r.cfg.Main || (r.cfg.Main == "" && rs.mainBackend == nil) {
			rs.mainBackend = b
			continue
		}
		rs.shadowBackends = append(rs.shadowBackends, b)
	}
	if rs.mainBackend == nil {
		return nil, moerr.NewBadConfig("main server %q not found", r.cfg.Main)
	}
	return rs, nil
}

// backendResult is one backend's view of the current query.
type backendResult struct {
	kind     proxy.ReplyKind
	checksum uint32
	errNo    uint16
	latency  time.Duration
}

type routerSession struct {
	router  *Router
	session *proxy.Session

	mainBackend    *proxy.Backend
	shadowBackends []*proxy.Backend

	main    *proxy.BackendConn
	shadows []*proxy.BackendConn

	// responses counts backends that have not finished answering the
	// current query. Queries arriving while responses > 0 wait in the
	// queue; that is the only ordering barrier between backends.
	responses int
	queue     [][]byte

	// mainBuffer holds the main's reply packets until every backend
	// has answered; only then does the client see the response.
	mainBuffer []pendingReply
	results    map[*proxy.BackendConn]*backendResult
	queryStart time.Time
	currentSQL []byte
}

type pendingReply struct {
	packet []byte
	reply  *proxy.Reply
}

var _ proxy.RouterSession = (*routerSession)(nil)

// RouteQuery implements the proxy.RouterSession interface.
func (rs *routerSession) RouteQuery(packet []byte) bool {
	if rs.responses > 0 {
		own := make([]byte, len(packet))
		copy(own, packet)
		rs.queue = append(rs.queue, own)
		return true
	}
	return rs.dispatch(packet)
}

func (rs *routerSession) dispatch(packet []byte) bool {
	if !rs.ensureConnections() {
		return false
	}
	willRespond := rs.session.Protocol().WillRespond(packet)
	rs.results = make(map[*proxy.BackendConn]*backendResult)
	rs.queryStart = time.Now()
	rs.currentSQL = packet
	rs.mainBuffer = nil
	rs.responses = 0

	conns := append([]*proxy.BackendConn{rs.main}, rs.shadows...)
	for _, c := range conns {
		if willRespond {
			c.ExpectResponse()
		}
		if err := c.Write(packet); err != nil {
			if c == rs.main {
				return false
			}
			rs.dropShadow(c)
			continue
		}
		if willRespond {
			rs.responses++
		}
	}
	return true
}

func (rs *routerSession) ensureConnections() bool {
	if rs.main == nil {
		conn, limit, err := rs.session.AcquireBackend(rs.mainBackend)
		if err != nil || limit || conn == nil {
			return false
		}
		rs.main = conn
	}
	if rs.shadows == nil {
		for _, b := range rs.shadowBackends {
			conn, limit, err := rs.session.AcquireBackend(b)
			if err != nil || limit || conn == nil {
				// Shadows are best-effort; a missing one only shrinks
				// the comparison set.
				continue
			}
			rs.shadows = append(rs.shadows, conn)
		}
	}
	return rs.main != nil
}

// ClientReply implements the proxy.RouterSession interface. The main's
// packets are held until all backends answered.
func (rs *routerSession) ClientReply(packet []byte, down *proxy.BackendConn, reply *proxy.Reply) bool {
	res := rs.results[down]
	if res == nil {
		res = &backendResult{}
		rs.results[down] = res
	}
	if res.checksum == 0 {
		res.checksum = reply.Checksum
	}
	res.kind = reply.Kind
	if reply.Error != nil {
		res.errNo = reply.Error.ErrNo
	}

	if down == rs.main {
		own := make([]byte, len(packet))
		copy(own, packet)
		rs.mainBuffer = append(rs.mainBuffer, pendingReply{packet: own, reply: reply})
	}

	if reply.Complete {
		res.latency = time.Since(rs.queryStart)
		rs.responses--
		if rs.responses <= 0 {
			return rs.finishQuery()
		}
	}
	return true
}

// finishQuery flushes the delayed main response, reports the
// comparison and dequeues the next query.
func (rs *routerSession) finishQuery() bool {
	rs.report()
	for _, pr := range rs.mainBuffer {
		if !rs.session.ClientReply(pr.packet, rs.main, pr.reply) {
			return false
		}
	}
	rs.mainBuffer = nil

	if len(rs.queue) > 0 {
		next := rs.queue[0]
		rs.queue = rs.queue[1:]
		return rs.dispatch(next)
	}
	return true
}

// report logs the three-way {error, resultset, ok} comparison; the
// kinds stay distinct rather than collapsing onto "had an error".
func (rs *routerSession) report() {
	mainRes := rs.results[rs.main]
	if mainRes == nil {
		return
	}
	fields := []zap.Field{
		zap.Uint64("session", rs.session.ID()),
		zap.String("main", rs.mainBackend.Name),
		zap.String("main_kind", mainRes.kind.String()),
		zap.Uint32("main_checksum", mainRes.checksum),
		zap.Duration("main_latency", mainRes.latency),
	}
	diverged := false
	for c, res := range rs.results {
		if c == rs.main {
			continue
		}
		name := c.Backend().Name
		fields = append(fields,
			zap.String(name+"_kind", res.kind.String()),
			zap.Uint32(name+"_checksum", res.checksum),
			zap.Duration(name+"_latency", res.latency))
		if res.kind != mainRes.kind || res.checksum != mainRes.checksum {
			diverged = true
		}
	}
	if diverged {
		logutil.Warn("mirror divergence", fields...)
	} else {
		logutil.Debug("mirror compare", fields...)
	}
}

// HandleError implements the proxy.RouterSession interface. Losing a
// shadow shrinks the mirror; losing the main is fatal.
func (rs *routerSession) HandleError(typ proxy.ErrorType, message string, failing *proxy.BackendConn, reply *proxy.Reply) bool {
	if failing == rs.main {
		return false
	}
	rs.dropShadow(failing)
	// The dead shadow will never answer; complete the query if it was
	// the last one pending.
	if res := rs.results[failing]; res == nil && rs.responses > 0 {
		rs.responses--
		if rs.responses <= 0 {
			return rs.finishQuery()
		}
	}
	return true
}

func (rs *routerSession) dropShadow(c *proxy.BackendConn) {
	for i, cand := range rs.shadows {
		if cand == c {
			rs.shadows = append(rs.shadows[:i], rs.shadows[i+1:]...)
			return
		}
	}
}

// Close implements the proxy.RouterSession interface.
func (rs *routerSession) Close() {
	if rs.main != nil {
		rs.session.ReleaseBackend(rs.main)
		rs.main = nil
	}
	for _, c := range rs.shadows {
		rs.session.ReleaseBackend(c)
	}
	rs.shadows = nil
}
