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
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/common/stopper"
	"github.com/moxyio/moxy/pkg/config"
	"github.com/moxyio/moxy/pkg/logutil"
)

// WorkerSet owns the routing workers. Three monotonically related
// counters describe it: created <= MaxWorkers never shrinks, running
// covers active and draining slots, desired covers slots accepting new
// work. Invariant: 1 <= desired <= running <= created <= MaxWorkers.
type WorkerSet struct {
	cfg      *config.ProxyParameters
	registry *BackendRegistry
	counters *counterSet
	dialer   *Dialer
	stopper  *stopper.Stopper

	mu      sync.Mutex
	workers []*Worker

	nCreated atomic.Int32
	nRunning atomic.Int32
	nDesired atomic.Int32

	// rr drives round-robin placement over the desired workers.
	rr atomic.Uint64

	// sessionIndex maps session id to owning worker index for
	// cross-worker kill and admin lookups.
	sessionIndex sync.Map // uint64 -> int
}

// NewWorkerSet creates and starts cfg.Threads workers.
func NewWorkerSet(cfg *config.ProxyParameters, registry *BackendRegistry, dialer *Dialer, st *stopper.Stopper) (*WorkerSet, error) {
	ws := &WorkerSet{
		cfg:      cfg,
		registry: registry,
		counters: newCounterSet(),
		dialer:   dialer,
		stopper:  st,
	}
	for i := 0; i < cfg.Threads; i++ {
		if err := ws.createWorker(); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

// createWorker appends one worker slot and starts its loop. Slots are
// never reused; the index is stable for the process lifetime.
func (ws *WorkerSet) createWorker() error {
	ws.mu.Lock()
	index := len(ws.workers)
	if index >= config.MaxWorkers {
		ws.mu.Unlock()
		return moerr.NewInvalidState("worker hard cap %d reached", config.MaxWorkers)
	}
	w := newWorker(index, ws)
	ws.workers = append(ws.workers, w)
	ws.mu.Unlock()

	ws.nCreated.Add(1)
	ws.nRunning.Add(1)
	ws.nDesired.Add(1)
	ws.applyPoolCapacity()

	return ws.stopper.RunNamedTask(fmt.Sprintf("worker-%d", index), func(ctx context.Context) {
		w.run(ctx)
	})
}

// applyPoolCapacity recomputes every worker's per-worker pool cap as
// floor(global / created).
func (ws *WorkerSet) applyPoolCapacity() {
	created := int(ws.nCreated.Load())
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.workers {
		w.pools.setCapacity(ws.cfg.GlobalPoolCap, created)
	}
}

// Registry exposes the backend registry.
func (ws *WorkerSet) Registry() *BackendRegistry { return ws.registry }

// Created, Running and Desired expose the counter trio.
func (ws *WorkerSet) Created() int { return int(ws.nCreated.Load()) }
func (ws *WorkerSet) Running() int { return int(ws.nRunning.Load()) }
func (ws *WorkerSet) Desired() int { return int(ws.nDesired.Load()) }

// Worker returns the worker at index, which is stable forever.
func (ws *WorkerSet) Worker(index int) *Worker {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if index < 0 || index >= len(ws.workers) {
		return nil
	}
	return ws.workers[index]
}

// Workers returns all created workers in index order.
func (ws *WorkerSet) Workers() []*Worker {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]*Worker, len(ws.workers))
	copy(out, ws.workers)
	return out
}

// PickWorker selects the next worker by round-robin over the desired
// set; new client sockets land there.
func (ws *WorkerSet) PickWorker() *Worker {
	desired := int(ws.nDesired.Load())
	if desired < 1 {
		desired = 1
	}
	idx := int(ws.rr.Add(1)-1) % desired
	return ws.Worker(idx)
}

// OwnerOf resolves a session id to its owning worker, for cross-worker
// operations that must run on the owner's loop.
func (ws *WorkerSet) OwnerOf(sessionID uint64) *Worker {
	v, ok := ws.sessionIndex.Load(sessionID)
	if !ok {
		return nil
	}
	return ws.Worker(v.(int))
}

// KillSession propagates a kill to the owning worker as a queued
// cross-worker message from any thread.
func (ws *WorkerSet) KillSession(sessionID uint64, reason KillReason) bool {
	w := ws.OwnerOf(sessionID)
	if w == nil {
		return false
	}
	return w.Post(func() {
		if s, ok := w.sessions[sessionID]; ok {
			s.Kill(reason, moerr.NewSessionKilled(reason.String()))
		}
	}) == nil
}

// SetThreads reconfigures towards n desired workers. Only the main
// worker calls it.
func (ws *WorkerSet) SetThreads(n int) error {
	if n < 1 || n > config.MaxWorkers {
		return moerr.NewInvalidInput("threads must be in [1, %d]", config.MaxWorkers)
	}
	desired := int(ws.nDesired.Load())
	switch {
	case n > desired:
		return ws.increaseThreads(n - desired)
	case n < desired:
		ws.decreaseThreads(desired - n)
	}
	return nil
}

// increaseThreads activates inactive slots first, then creates new
// workers up to the hard cap.
func (ws *WorkerSet) increaseThreads(delta int) error {
	for delta > 0 {
		if w := ws.firstInactive(); w != nil {
			w.StartListening()
			ws.nDesired.Add(1)
			if w.index >= int(ws.nRunning.Load()) {
				ws.nRunning.Store(int32(w.index + 1))
			}
			delta--
			continue
		}
		if err := ws.createWorker(); err != nil {
			return err
		}
		delta--
	}
	logutil.Info("increased workers", zap.Int32("desired", ws.nDesired.Load()))
	return nil
}

func (ws *WorkerSet) firstInactive() *Worker {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, w := range ws.workers {
		if w.State() == WorkerInactive {
			return w
		}
	}
	return nil
}

// decreaseThreads tells the highest-indexed active workers to stop
// listening. Desired drops immediately; running drops only when the
// topmost contiguous run of workers has deactivated.
func (ws *WorkerSet) decreaseThreads(delta int) {
	ws.nDesired.Add(int32(-delta))

	ws.mu.Lock()
	var victims []*Worker
	for i := len(ws.workers) - 1; i >= 0 && len(victims) < delta; i-- {
		if ws.workers[i].State() == WorkerActive {
			victims = append(victims, ws.workers[i])
		}
	}
	ws.mu.Unlock()

	for _, w := range victims {
		w := w
		_ = w.Post(func() {
			w.StopListening()
		})
	}
	logutil.Info("decreased workers", zap.Int32("desired", ws.nDesired.Load()))
}

// onWorkerInactive lowers running past the topmost contiguous run of
// inactive workers. Created never decreases; a removed worker is just
// a deactivated slot.
func (ws *WorkerSet) onWorkerInactive() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	running := int(ws.nRunning.Load())
	for running > 1 && ws.workers[running-1].State() == WorkerInactive {
		running--
	}
	ws.nRunning.Store(int32(running))
}

// CheckInvariant validates the counter trio; tests call it after every
// reconfiguration.
func (ws *WorkerSet) CheckInvariant() error {
	d, r, c := ws.nDesired.Load(), ws.nRunning.Load(), ws.nCreated.Load()
	if 1 <= d && d <= r && r <= c && c <= config.MaxWorkers {
		return nil
	}
	return moerr.NewInvalidState(
		"worker counters violated: desired=%d running=%d created=%d", d, r, c)
}
