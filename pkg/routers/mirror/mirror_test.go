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

package mirror

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
	"github.com/moxyio/moxy/pkg/proxy"
)

type fakeBackendServer struct {
	listener net.Listener
	accepted atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeBackendServer(t *testing.T) *fakeBackendServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeBackendServer{listener: l}
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
	t.Cleanup(func() {
		_ = l.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			_ = c.Close()
		}
	})
	return s
}

func (s *fakeBackendServer) address() string { return s.listener.Addr().String() }

func (s *fakeBackendServer) send(t *testing.T, data []byte) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.conns)
	_, err := s.conns[len(s.conns)-1].Write(data)
	require.NoError(t, err)
}

type fakeClient struct {
	mu      sync.Mutex
	written [][]byte
}

func (c *fakeClient) Write(packet []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	own := make([]byte, len(packet))
	copy(own, packet)
	c.written = append(c.written, own)
	return nil
}

func (c *fakeClient) Close() error          { return nil }
func (c *fakeClient) RemoteAddress() string { return "127.0.0.1:22222" }

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeClient) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written[len(c.written)-1]
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

func query(sql string) []byte {
	return mysql.NewPacket(0, append([]byte{mysql.ComQuery}, sql...))
}

func newEnv(t *testing.T, router *Router, servers ...config.ServerConfig) (*proxy.Worker, *proxy.Session, *fakeClient) {
	t.Helper()
	cfg := &config.ProxyParameters{Threads: 1, Servers: servers}
	cfg.SetDefaultValues()
	cfg.Threads = 1
	require.NoError(t, cfg.Validate())

	st := stopper.NewStopper("mirror-test")
	dialer, err := proxy.NewDialer(cfg.ConnectTimeout.Duration, "")
	require.NoError(t, err)
	registry := proxy.NewBackendRegistry(cfg.Servers)
	set, err := proxy.NewWorkerSet(cfg, registry, dialer, st)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Stop()
		dialer.Close()
	})

	w := set.Worker(0)
	client := &fakeClient{}
	proto := proxy.NewMariaDBProtocol("app", "db1",
		mysql.NewCapabilities(mysql.CapProtocol41, 0), nil, false)

	var session *proxy.Session
	require.NoError(t, w.Call(func() {
		session = proxy.NewSession(w, client, "app", proto, router, nil)
		require.True(t, session.Start())
		w.AddSession(session)
	}))
	return w, session, client
}

func TestMirrorDelaysClientReplyUntilAllAnswer(t *testing.T) {
	main := newFakeBackendServer(t)
	shadow := newFakeBackendServer(t)
	router := NewRouter(Config{Main: "main"})
	w, session, client := newEnv(t, router,
		config.ServerConfig{Name: "main", Address: main.address()},
		config.ServerConfig{Name: "shadow", Address: shadow.address()},
	)

	require.NoError(t, w.Call(func() {
		require.True(t, session.RouteQuery(query("SELECT 1")))
	}))
	waitUntil(t, func() bool { return main.accepted.Load() == 1 })
	waitUntil(t, func() bool { return shadow.accepted.Load() == 1 })

	ok := mysql.BuildOK(1, &mysql.OKPacket{Status: mysql.ServerStatusAutocommit})

	// Only the main has answered: the client still waits.
	main.send(t, ok)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, client.count())

	// The shadow answers; the delayed response flushes.
	shadow.send(t, ok)
	waitUntil(t, func() bool { return client.count() == 1 })
	require.Equal(t, ok, client.last())
}

func TestMirrorQueuesQueriesWhileResponsesPending(t *testing.T) {
	main := newFakeBackendServer(t)
	shadow := newFakeBackendServer(t)
	router := NewRouter(Config{Main: "main"})
	w, session, client := newEnv(t, router,
		config.ServerConfig{Name: "main", Address: main.address()},
		config.ServerConfig{Name: "shadow", Address: shadow.address()},
	)

	require.NoError(t, w.Call(func() {
		require.True(t, session.RouteQuery(query("SELECT 1")))
		// The second query must wait for the first to settle on all
		// backends.
		require.True(t, session.RouteQuery(query("SELECT 2")))
	}))
	waitUntil(t, func() bool { return main.accepted.Load() == 1 })

	ok := mysql.BuildOK(1, &mysql.OKPacket{Status: mysql.ServerStatusAutocommit})
	main.send(t, ok)
	shadow.send(t, ok)
	waitUntil(t, func() bool { return client.count() == 1 })

	// Settling the first query released the second.
	main.send(t, ok)
	shadow.send(t, ok)
	waitUntil(t, func() bool { return client.count() == 2 })
}

func TestMirrorSurvivesShadowLoss(t *testing.T) {
	main := newFakeBackendServer(t)
	shadow := newFakeBackendServer(t)
	router := NewRouter(Config{Main: "main"})
	w, session, client := newEnv(t, router,
		config.ServerConfig{Name: "main", Address: main.address()},
		config.ServerConfig{Name: "shadow", Address: shadow.address()},
	)

	require.NoError(t, w.Call(func() {
		require.True(t, session.RouteQuery(query("SELECT 1")))
	}))
	waitUntil(t, func() bool { return shadow.accepted.Load() == 1 })

	// The shadow dies mid-query; the main's answer still reaches the
	// client and the session survives.
	shadow.mu.Lock()
	for _, c := range shadow.conns {
		_ = c.Close()
	}
	shadow.mu.Unlock()

	ok := mysql.BuildOK(1, &mysql.OKPacket{Status: mysql.ServerStatusAutocommit})
	main.send(t, ok)
	waitUntil(t, func() bool { return client.count() == 1 })
	require.Equal(t, proxy.SessionStarted, session.State())
}
