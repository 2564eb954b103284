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
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startMain(t *testing.T, m *MainWorker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMainWorkerTicks(t *testing.T) {
	h := newHarness(t, nil)
	m := NewMainWorker(h.set)
	startMain(t, m)

	before := m.Ticks()
	waitUntil(t, func() bool { return m.Ticks() > before })
}

func TestNamedTasksRunAndSelfDeregister(t *testing.T) {
	h := newHarness(t, nil)
	m := NewMainWorker(h.set)

	var once, repeated atomic.Int64
	require.NoError(t, m.RegisterTask("one-shot", func() bool {
		once.Add(1)
		return false
	}, 10*time.Millisecond))
	require.NoError(t, m.RegisterTask("repeat", func() bool {
		repeated.Add(1)
		return true
	}, 10*time.Millisecond))

	// Names are unique.
	require.Error(t, m.RegisterTask("repeat", func() bool { return true }, time.Second))

	startMain(t, m)
	waitUntil(t, func() bool { return repeated.Load() >= 2 })
	// The task returning false deregistered itself after one run.
	require.Equal(t, int64(1), once.Load())
	require.NotContains(t, m.TaskNames(), "one-shot")
	require.Contains(t, m.TaskNames(), "repeat")

	require.True(t, m.RemoveTask("repeat"))
	require.False(t, m.RemoveTask("repeat"))
}

func TestMainWorkerDrivesThreadReconfiguration(t *testing.T) {
	h := newHarness(t, nil)
	m := NewMainWorker(h.set)
	startMain(t, m)

	m.SetThreads(4)
	waitUntil(t, func() bool { return h.set.Desired() == 4 })
	require.NoError(t, h.set.CheckInvariant())
}

func TestRebalancerMovesSessionsToColdestWorker(t *testing.T) {
	h := newHarness(t, nil)
	set := h.set
	hot := set.Worker(0)
	cold := set.Worker(1)

	// Several movable sessions on the hot worker.
	for i := 0; i < 4; i++ {
		newTestSession(t, hot, &fakeClient{})
	}

	// Move one session directly, the way a rebalance order does.
	var moved *Session
	require.NoError(t, hot.Call(func() {
		for _, s := range hot.sessions {
			moved = s
			break
		}
		hot.migrateSession(moved, cold)
	}))
	waitUntil(t, func() bool {
		var owned bool
		_ = cold.Call(func() { _, owned = cold.sessions[moved.ID()] })
		return owned
	})
	require.Same(t, cold, moved.OwnerWorker())

	// The registry follows the move: a cross-worker kill reaches the
	// new owner.
	require.True(t, set.KillSession(moved.ID(), KillKilled))
	waitUntil(t, func() bool { return moved.State() != SessionStarted })
}
