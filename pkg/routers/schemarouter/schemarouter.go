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

// Package schemarouter routes each statement to the backend that owns
// the schema it references. LOAD DATA LOCAL INFILE streams through
// unchanged because the target only depends on the session's current
// default schema.
package schemarouter

import (
	"strings"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/mysql"
	"github.com/moxyio/moxy/pkg/proxy"
)

// Config maps schema names to server names. Schemas not listed go to
// the default server.
type Config struct {
	Targets map[string]string `toml:"targets"`
	Default string            `toml:"default"`
}

// Router shards by schema.
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
	byName := make(map[string]*proxy.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	def := backends[0]
	if r.cfg.Default != "" {
		if b, ok := byName[r.cfg.Default]; ok {
			def = b
		}
	}
	rs := &routerSession{
		router:    r,
		session:   s,
		byName:    byName,
		defTarget: def,
		conns:     make(map[*proxy.Backend]*proxy.BackendConn),
	}
	if mp, ok := s.Protocol().(*proxy.MariaDBProtocol); ok {
		rs.schema = mp.Database()
	}
	return rs, nil
}

type routerSession struct {
	router    *Router
	session   *proxy.Session
	byName    map[string]*proxy.Backend
	defTarget *proxy.Backend

	// schema is the session's current default schema; it drives the
	// target for unqualified statements, including LOAD DATA streams.
	schema string

	conns map[*proxy.Backend]*proxy.BackendConn
}

var _ proxy.RouterSession = (*routerSession)(nil)

// targetFor resolves the backend owning the schema the statement
// references.
func (rs *routerSession) targetFor(packet []byte) *proxy.Backend {
	schema := rs.schema
	switch mysql.Command(packet) {
	case mysql.ComInitDB:
		schema = string(mysql.Payload(packet)[1:])
	case mysql.ComQuery:
		sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
		upper := strings.ToUpper(sql)
		if strings.HasPrefix(upper, "USE ") {
			schema = strings.Trim(strings.TrimSpace(sql[4:]), "`")
		} else if q := qualifiedSchema(sql); q != "" {
			schema = q
		}
	}
	if name, ok := rs.router.cfg.Targets[strings.ToLower(schema)]; ok {
		if b, ok := rs.byName[name]; ok {
			return b
		}
	}
	return rs.defTarget
}

// qualifiedSchema extracts the first schema qualifier of a canonical
// statement, e.g. "db2" from "SELECT a FROM db2.t".
func qualifiedSchema(sql string) string {
	canonical := mysql.Canonicalise(sql)
	for _, tok := range strings.Fields(canonical) {
		dot := strings.IndexByte(tok, '.')
		if dot <= 0 {
			continue
		}
		schema := strings.Trim(tok[:dot], "`(")
		if schema != "" && schema != "?" {
			return schema
		}
	}
	return ""
}

// RouteQuery implements the proxy.RouterSession interface.
func (rs *routerSession) RouteQuery(packet []byte) bool {
	target := rs.targetFor(packet)
	conn, ok := rs.conns[target]
	if !ok {
		var limit bool
		var err error
		conn, limit, err = rs.session.AcquireBackend(target)
		if err != nil || limit || conn == nil {
			return false
		}
		rs.conns[target] = conn
	}

	// Track USE after a successful resolve so the stream target of a
	// later LOAD DATA follows the session's schema.
	rs.trackSchema(packet)

	if rs.session.Protocol().WillRespond(packet) {
		conn.ExpectResponse()
	}
	return conn.Write(packet) == nil
}

func (rs *routerSession) trackSchema(packet []byte) {
	switch mysql.Command(packet) {
	case mysql.ComInitDB:
		rs.schema = string(mysql.Payload(packet)[1:])
	case mysql.ComQuery:
		sql := strings.TrimSpace(string(mysql.Payload(packet)[1:]))
		if len(sql) >= 4 && strings.EqualFold(sql[:4], "USE ") {
			rs.schema = strings.Trim(strings.TrimSpace(sql[4:]), "`")
		}
	}
}

// ClientReply implements the proxy.RouterSession interface.
func (rs *routerSession) ClientReply(packet []byte, down *proxy.BackendConn, reply *proxy.Reply) bool {
	return rs.session.ClientReply(packet, down, reply)
}

// HandleError implements the proxy.RouterSession interface.
func (rs *routerSession) HandleError(typ proxy.ErrorType, message string, failing *proxy.BackendConn, reply *proxy.Reply) bool {
	for b, c := range rs.conns {
		if c == failing {
			delete(rs.conns, b)
			return true
		}
	}
	return typ != proxy.ErrorTypeFatal
}

// Close implements the proxy.RouterSession interface.
func (rs *routerSession) Close() {
	for _, c := range rs.conns {
		rs.session.ReleaseBackend(c)
	}
	rs.conns = nil
}
