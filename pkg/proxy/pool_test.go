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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moxyio/moxy/pkg/config"
)

func TestPoolReuseAndStats(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, func(cfg *config.ProxyParameters) {
		cfg.GlobalPoolCap = 4
	}, config.ServerConfig{
		Name:                  "db1",
		Address:               backend.address(),
		MaxRoutingConnections: 1,
	})

	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	require.NotNil(t, b)

	clientA := &fakeClient{}
	sessionA := newTestSession(t, w, clientA)

	var connA *BackendConn
	require.NoError(t, w.Call(func() {
		var limit bool
		var err error
		connA, limit, err = w.GetBackendConnection(b, sessionA)
		require.NoError(t, err)
		require.False(t, limit)
		require.NotNil(t, connA)
	}))
	waitUntil(t, func() bool { return backend.accepted.Load() == 1 })

	// Session A completes; its connection enters the pool.
	require.NoError(t, w.Call(func() {
		sessionA.ReleaseBackend(connA)
	}))
	require.NoError(t, w.Call(func() {
		stats := w.pools.Stats()["db1"]
		require.Equal(t, 1, stats.CurrSize)
	}))

	// Session B reuses it: no new backend socket, times_found rises.
	clientB := &fakeClient{}
	sessionB := newTestSession(t, w, clientB)
	require.NoError(t, w.Call(func() {
		connB, limit, err := w.GetBackendConnection(b, sessionB)
		require.NoError(t, err)
		require.False(t, limit)
		require.Same(t, connA, connB)
	}))
	require.Equal(t, int64(1), backend.accepted.Load())
	require.NoError(t, w.Call(func() {
		stats := w.pools.Stats()["db1"]
		require.Equal(t, int64(1), stats.TimesFound)
		require.Equal(t, 0, stats.CurrSize)
	}))
}

func TestPoolEntryNeverOwnedTwice(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, nil, config.ServerConfig{Name: "db1", Address: backend.address()})

	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	client := &fakeClient{}
	session := newTestSession(t, w, client)

	require.NoError(t, w.Call(func() {
		c, _, err := w.GetBackendConnection(b, session)
		require.NoError(t, err)
		session.ReleaseBackend(c)
		// Once pooled, the session no longer owns it.
		require.True(t, c.pooled)
		require.Nil(t, c.session)
		require.Empty(t, session.Backends())
	}))
}

func TestPoolSweepEvictsHungUpEntries(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, nil, config.ServerConfig{Name: "db1", Address: backend.address()})

	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	client := &fakeClient{}
	session := newTestSession(t, w, client)

	var conn *BackendConn
	require.NoError(t, w.Call(func() {
		var err error
		conn, _, err = w.GetBackendConnection(b, session)
		require.NoError(t, err)
		session.ReleaseBackend(conn)
	}))

	conn.hangup.Store(true)
	require.NoError(t, w.Call(func() {
		w.sweepPools()
		require.Equal(t, 0, w.pools.Stats()["db1"].CurrSize)
	}))
}

func TestPoolExpiryEvictsAgedEntries(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, func(cfg *config.ProxyParameters) {
		cfg.PersistMaxTime.Duration = time.Millisecond
	}, config.ServerConfig{Name: "db1", Address: backend.address()})

	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	session := newTestSession(t, w, &fakeClient{})

	require.NoError(t, w.Call(func() {
		c, _, err := w.GetBackendConnection(b, session)
		require.NoError(t, err)
		session.ReleaseBackend(c)
	}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.Call(func() {
		w.sweepPools()
		require.Equal(t, 0, w.pools.Stats()["db1"].CurrSize)
	}))
}

func TestPoolCapacityTrimsOnDecrease(t *testing.T) {
	b := newBackend(config.ServerConfig{Name: "db1", Address: "127.0.0.1:1"})
	b.connCount.Add(3)
	p := newConnPool(b, 3)
	for i := 0; i < 3; i++ {
		local, remote := net.Pipe()
		t.Cleanup(func() { _ = remote.Close() })
		c := newBackendConn(b, nil, local, "app", "db1")
		c.established.Store(true)
		require.True(t, p.add(c))
	}
	require.False(t, p.hasSpace())
	require.Equal(t, 3, p.stats.MaxSize)

	p.setCapacity(1)
	closed := p.closeExpired(func(*BackendConn) bool { return false })
	require.Equal(t, 2, closed)
	require.Equal(t, 1, p.stats.CurrSize)
}

func TestConnNotPooledWhenServerDown(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, nil, config.ServerConfig{Name: "db1", Address: backend.address()})

	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	session := newTestSession(t, w, &fakeClient{})

	require.NoError(t, w.Call(func() {
		c, _, err := w.GetBackendConnection(b, session)
		require.NoError(t, err)
		b.SetState(BackendDown)
		session.ReleaseBackend(c)
		require.Equal(t, 0, w.pools.Stats()["db1"].CurrSize)
		require.True(t, c.closed.Load())
	}))
}
