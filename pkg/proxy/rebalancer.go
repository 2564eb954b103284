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
	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/logutil"
)

// rebalanceOrder tells a worker to move sessions to a colder peer; the
// source worker performs the move from its own loop so no other thread
// touches its session state.
type rebalanceOrder struct {
	target    *Worker
	nSessions int
}

// Rebalancer is the central dispatcher inspecting per-worker load.
type Rebalancer struct {
	set *WorkerSet
	// useAverage selects the rolling average over the rebalance
	// window instead of the one-second load.
	useAverage bool
}

// NewRebalancer creates the dispatcher; the main worker ticks it.
func NewRebalancer(set *WorkerSet) *Rebalancer {
	return &Rebalancer{set: set, useAverage: set.cfg.RebalanceWindow > 1}
}

// Tick compares the hottest and coldest desired workers and, when the
// gap exceeds the threshold, posts a move order to the hottest.
func (r *Rebalancer) Tick() {
	desired := r.set.Desired()
	if desired < 2 {
		return
	}

	var hottest, coldest *Worker
	maxLoad, minLoad := -1, 101
	for i := 0; i < desired; i++ {
		w := r.set.Worker(i)
		if w == nil || w.State() != WorkerActive {
			continue
		}
		// Load samples are loop-owned; read them with a semaphored
		// call.
		var load int
		if err := w.Call(func() { load = w.Load(r.useAverage) }); err != nil {
			continue
		}
		if load > maxLoad {
			maxLoad, hottest = load, w
		}
		if load < minLoad {
			minLoad, coldest = load, w
		}
	}
	if hottest == nil || coldest == nil || hottest == coldest {
		return
	}
	if maxLoad-minLoad <= r.set.cfg.RebalanceThreshold {
		return
	}

	// Move enough sessions to roughly level the gap, at least one.
	n := (maxLoad - minLoad) / 20
	if n < 1 {
		n = 1
	}
	logutil.Debug("rebalance pending",
		zap.Int("hottest", hottest.index), zap.Int("max_load", maxLoad),
		zap.Int("coldest", coldest.index), zap.Int("min_load", minLoad),
		zap.Int("sessions", n))
	hottest.pendingRebalance.Store(&rebalanceOrder{target: coldest, nSessions: n})
}
