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
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moxyio/moxy/pkg/common/stopper"
	"github.com/moxyio/moxy/pkg/config"
	"github.com/moxyio/moxy/pkg/mysql"
)

// testBackendServer is a listener standing in for a MariaDB server.
type testBackendServer struct {
	listener net.Listener
	accepted atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

func newTestBackendServer(t *testing.T) *testBackendServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testBackendServer{listener: l}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(s.close)
	return s
}

func (s *testBackendServer) address() string {
	return s.listener.Addr().String()
}

func (s *testBackendServer) close() {
	_ = s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

// sendToLast writes raw bytes on the most recently accepted socket.
func (s *testBackendServer) sendToLast(t *testing.T, data []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	_, err := s.conns[len(s.conns)-1].Write(data)
	require.NoError(t, err)
}

type harness struct {
	cfg     *config.ProxyParameters
	set     *WorkerSet
	stopper *stopper.Stopper
	dialer  *Dialer
}

func newHarness(t *testing.T, mutate func(*config.ProxyParameters), servers ...config.ServerConfig) *harness {
	t.Helper()
	cfg := &config.ProxyParameters{
		Threads: 2,
		Servers: servers,
	}
	cfg.SetDefaultValues()
	cfg.Threads = 2
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	st := stopper.NewStopper("test")
	dialer, err := NewDialer(cfg.ConnectTimeout.Duration, "")
	require.NoError(t, err)
	registry := NewBackendRegistry(cfg.Servers)
	set, err := NewWorkerSet(cfg, registry, dialer, st)
	require.NoError(t, err)

	t.Cleanup(func() {
		st.Stop()
		dialer.Close()
	})
	return &harness{cfg: cfg, set: set, stopper: st, dialer: dialer}
}

// fakeClient collects what the proxy writes to the client.
type fakeClient struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (c *fakeClient) Write(packet []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	own := make([]byte, len(packet))
	copy(own, packet)
	c.written = append(c.written, own)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) RemoteAddress() string { return "127.0.0.1:11111" }

func (c *fakeClient) packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeRouter accepts everything and records routed packets.
type fakeRouter struct{}

type fakeRouterSession struct {
	mu      sync.Mutex
	routed  [][]byte
	replies []*Reply
	session *Session
	alive   bool
}

func (fakeRouter) NewRouterSession(s *Session, backends []*Backend) (RouterSession, error) {
	return &fakeRouterSession{session: s, alive: true}, nil
}

func (rs *fakeRouterSession) RouteQuery(packet []byte) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	own := make([]byte, len(packet))
	copy(own, packet)
	rs.routed = append(rs.routed, own)
	return true
}

func (rs *fakeRouterSession) ClientReply(packet []byte, down *BackendConn, reply *Reply) bool {
	rs.mu.Lock()
	rs.replies = append(rs.replies, reply)
	rs.mu.Unlock()
	return rs.session.ClientReply(packet, down, reply)
}

func (rs *fakeRouterSession) HandleError(typ ErrorType, msg string, failing *BackendConn, reply *Reply) bool {
	return rs.alive
}

func (rs *fakeRouterSession) Close() {}

func (rs *fakeRouterSession) routedCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.routed)
}

// newTestSession creates and starts a session on the given worker.
func newTestSession(t *testing.T, w *Worker, client *fakeClient) *Session {
	t.Helper()
	history := NewCommandHistory(16)
	proto := NewMariaDBProtocol("app", "db1",
		mysql.NewCapabilities(mysql.CapProtocol41|mysql.CapMultiStatements, 0),
		history, false)
	var s *Session
	require.NoError(t, w.Call(func() {
		s = NewSession(w, client, "app", proto, fakeRouter{}, nil)
		require.True(t, s.Start())
		w.AddSession(s)
	}))
	return s
}

func queryPacket(sql string) []byte {
	return mysql.NewPacket(0, append([]byte{mysql.ComQuery}, sql...))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
