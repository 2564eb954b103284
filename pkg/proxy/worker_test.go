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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moxyio/moxy/pkg/config"
	"github.com/moxyio/moxy/pkg/mysql"
)

func TestPostPreservesOrder(t *testing.T) {
	h := newHarness(t, nil)
	w := h.set.Worker(0)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, w.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, w.Call(func() {}))
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestCallIsSynchronous(t *testing.T) {
	h := newHarness(t, nil)
	w := h.set.Worker(0)

	var ran atomic.Bool
	require.NoError(t, w.Call(func() { ran.Store(true) }))
	require.True(t, ran.Load())
}

func TestScheduleCallFiresInDeadlineOrder(t *testing.T) {
	h := newHarness(t, nil)
	w := h.set.Worker(0)

	var mu []int
	done := make(chan struct{})
	require.NoError(t, w.Call(func() {
		w.ScheduleCall(50*time.Millisecond, func() { mu = append(mu, 2) })
		w.ScheduleCall(10*time.Millisecond, func() { mu = append(mu, 1) })
		w.ScheduleCall(90*time.Millisecond, func() {
			mu = append(mu, 3)
			close(done)
		})
	}))
	<-done
	require.Equal(t, []int{1, 2, 3}, mu)
}

func TestAdmissionQueueWakesFIFO(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, nil, config.ServerConfig{
		Name:                  "db1",
		Address:               backend.address(),
		MaxRoutingConnections: 1,
	})
	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")

	holder := newTestSession(t, w, &fakeClient{})
	var held *BackendConn
	require.NoError(t, w.Call(func() {
		var limit bool
		var err error
		held, limit, err = w.GetBackendConnection(b, holder)
		require.NoError(t, err)
		require.False(t, limit)
	}))

	// Two more sessions hit the cap and queue up.
	first := newTestSession(t, w, &fakeClient{})
	second := newTestSession(t, w, &fakeClient{})
	var woken []uint64
	require.NoError(t, w.Call(func() {
		_, limit, err := w.GetBackendConnection(b, first)
		require.NoError(t, err)
		require.True(t, limit)
		w.WaitForConnection(b, first, func(c *BackendConn, err error) {
			require.NoError(t, err)
			woken = append(woken, first.ID())
		})
		_, limit, err = w.GetBackendConnection(b, second)
		require.NoError(t, err)
		require.True(t, limit)
		w.WaitForConnection(b, second, func(c *BackendConn, err error) {
			require.NoError(t, err)
			woken = append(woken, second.ID())
		})
	}))

	// Releasing the held connection wakes the queue in FIFO order.
	require.NoError(t, w.Call(func() {
		holder.ReleaseBackend(held)
	}))
	waitUntil(t, func() bool {
		var n int
		_ = w.Call(func() { n = len(woken) })
		return n == 1
	})
	require.NoError(t, w.Call(func() {
		require.Equal(t, []uint64{first.ID()}, woken)
	}))
}

func TestAdmissionTimesOutWithMultiplexTimeout(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, func(cfg *config.ProxyParameters) {
		cfg.MultiplexTimeout.Duration = 10 * time.Millisecond
	}, config.ServerConfig{
		Name:                  "db1",
		Address:               backend.address(),
		MaxRoutingConnections: 1,
	})
	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")

	holder := newTestSession(t, w, &fakeClient{})
	require.NoError(t, w.Call(func() {
		_, _, err := w.GetBackendConnection(b, holder)
		require.NoError(t, err)
	}))

	waiter := newTestSession(t, w, &fakeClient{})
	var gotErr atomic.Value
	require.NoError(t, w.Call(func() {
		w.WaitForConnection(b, waiter, func(c *BackendConn, err error) {
			require.Nil(t, c)
			gotErr.Store(err)
		})
	}))
	// The periodic expiry runs on the loop; force it after the
	// timeout elapsed.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Call(func() { w.expireWaitingEndpoints() }))

	err, _ := gotErr.Load().(error)
	require.Error(t, err)
	require.Equal(t, codeAdmission, getErrorCode(err))
}

func TestBackendRepliesReachRouterInOrder(t *testing.T) {
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
		conn.ExpectResponse()
	}))
	waitUntil(t, func() bool { return backend.accepted.Load() == 1 })

	ok := mysql.BuildOK(1, &mysql.OKPacket{Status: mysql.ServerStatusAutocommit})
	backend.sendToLast(t, ok)

	// The reply is framed, delivered on the owning loop and forwarded
	// to the client with complete metadata.
	waitUntil(t, func() bool { return len(client.packets()) == 1 })
	require.Equal(t, ok, client.packets()[0])
	require.NoError(t, w.Call(func() {
		require.Zero(t, conn.PendingResponses())
	}))
}

func TestZombieGraceClosesClientAfterBackendsDrain(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, nil, config.ServerConfig{Name: "db1", Address: backend.address()})
	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	client := &fakeClient{}
	session := newTestSession(t, w, client)

	require.NoError(t, w.Call(func() {
		conn, _, err := w.GetBackendConnection(b, session)
		require.NoError(t, err)
		// A reply is still pending, so the client must stay open
		// until the backend drains or the grace expires.
		conn.ExpectResponse()
		session.Close()
	}))
	require.False(t, client.isClosed())

	// The grace period expires and the zombie is finalised.
	waitUntil(t, func() bool { return client.isClosed() })
}

func TestActivityOnPooledConnEvictsIt(t *testing.T) {
	backend := newTestBackendServer(t)
	h := newHarness(t, nil, config.ServerConfig{Name: "db1", Address: backend.address()})
	w := h.set.Worker(0)
	b := h.set.registry.Get("db1")
	session := newTestSession(t, w, &fakeClient{})

	require.NoError(t, w.Call(func() {
		c, _, err := w.GetBackendConnection(b, session)
		require.NoError(t, err)
		session.ReleaseBackend(c)
		require.Equal(t, 1, w.pools.Stats()["db1"].CurrSize)
	}))
	waitUntil(t, func() bool { return backend.accepted.Load() == 1 })

	// Unsolicited bytes on the idle pooled socket evict it.
	backend.sendToLast(t, mysql.BuildErr(0, 1927, "70100", "going away"))
	waitUntil(t, func() bool {
		var size int
		_ = w.Call(func() { size = w.pools.Stats()["db1"].CurrSize })
		return size == 0
	})
}

func TestPokeWatchdogAdvancesLastAlive(t *testing.T) {
	h := newHarness(t, nil)
	w := h.set.Worker(0)
	before := w.LastAlive()
	time.Sleep(2 * time.Millisecond)
	w.PokeWatchdog()
	require.True(t, w.LastAlive().After(before))
}
