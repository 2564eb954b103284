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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/logutil"
)

// mainTickInterval is the main worker's heartbeat; Ticks() advances on
// it and routing workers use the counter for cheap time checks.
const mainTickInterval = 100 * time.Millisecond

type namedTask struct {
	name string
	fn   func() bool
	freq time.Duration
	next time.Time
}

// MainWorker is the singleton control-plane thread. It schedules named
// housekeeping tasks, drives rebalancing and is the sole initiator of
// dynamic thread-count reconfiguration.
type MainWorker struct {
	set        *WorkerSet
	rebalancer *Rebalancer

	ticks atomic.Int64

	mu    sync.Mutex
	tasks map[string]*namedTask

	// reconfigure carries pending threads=N requests onto the main
	// worker's loop.
	reconfigureC chan int
}

// NewMainWorker creates the main worker; Run starts it on a stopper
// task.
func NewMainWorker(set *WorkerSet) *MainWorker {
	m := &MainWorker{
		set:          set,
		tasks:        make(map[string]*namedTask),
		reconfigureC: make(chan int, 8),
	}
	if period := set.cfg.RebalancePeriod.Duration; period > 0 {
		m.rebalancer = NewRebalancer(set)
		_ = m.RegisterTask("rebalance", func() bool {
			m.rebalancer.Tick()
			return true
		}, period)
	}
	_ = m.RegisterTask("stats-log", func() bool {
		logutil.Info("proxy counters", set.counters.export()...)
		return true
	}, time.Minute)
	return m
}

// Ticks returns the monotonic 100 ms tick counter.
func (m *MainWorker) Ticks() int64 {
	return m.ticks.Load()
}

// RegisterTask schedules fn every freq under a unique name. A task
// returning false deregisters itself.
func (m *MainWorker) RegisterTask(name string, fn func() bool, freq time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tasks[name]; dup {
		return moerr.NewInvalidInput("task %q already registered", name)
	}
	m.tasks[name] = &namedTask{
		name: name,
		fn:   fn,
		freq: freq,
		next: time.Now().Add(freq),
	}
	return nil
}

// RemoveTask deregisters a task by name.
func (m *MainWorker) RemoveTask(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[name]; !ok {
		return false
	}
	delete(m.tasks, name)
	return true
}

// TaskNames lists registered tasks, for the admin surface.
func (m *MainWorker) TaskNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		names = append(names, name)
	}
	return names
}

// SetThreads requests a thread-count reconfiguration; the change is
// applied on the main worker's own loop.
func (m *MainWorker) SetThreads(n int) {
	m.reconfigureC <- n
}

// Run drives the main worker until ctx is cancelled. An unrecoverable
// error here is process-fatal by design.
func (m *MainWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(mainTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-m.reconfigureC:
			if err := m.set.SetThreads(n); err != nil {
				logutil.Error("thread reconfiguration rejected",
					zap.Int("threads", n), zap.Error(err))
			}
		case <-ticker.C:
			m.ticks.Add(1)
			m.runDueTasks()
		}
	}
}

func (m *MainWorker) runDueTasks() {
	now := time.Now()
	m.mu.Lock()
	var due []*namedTask
	for _, t := range m.tasks {
		if !now.Before(t.next) {
			t.next = now.Add(t.freq)
			due = append(due, t)
		}
	}
	m.mu.Unlock()

	for _, t := range due {
		if !t.fn() {
			m.RemoveTask(t.name)
		}
	}
}
