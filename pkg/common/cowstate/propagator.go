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

// Package cowstate implements copy-on-write diffusion of shared state.
// A single updater goroutine owns the mutable value; any number of
// producers submit timestamped updates through bounded lock-free rings
// and read published snapshots without locking. Updates are applied in
// the total order given by a process-global per-propagator timestamp
// counter, regardless of the order they arrive in the rings.
package cowstate

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	queue "github.com/yireyun/go-queue"
)

// ErrStopped is returned by Send after the updater has been stopped.
var ErrStopped = errors.New("propagator is stopped")

// Data is a shared value. The updater never mutates a published value;
// it clones it, applies a batch and publishes the clone.
type Data interface {
	Clone() Data
}

// Update is a timestamped envelope. Tstamp values are drawn from the
// propagator's counter; consecutive values form the totally-ordered
// update stream.
type Update struct {
	Tstamp  uint64
	Payload any
}

// ApplyFunc applies an ordered batch to a private copy of the state.
// In updates-only mode the copy is nil and the function accumulates
// side effects itself.
type ApplyFunc func(copy Data, batch []Update)

// Options configures a Propagator.
type Options struct {
	// QueueMax bounds each producer ring. A full ring blocks the
	// producer until the updater drains it.
	QueueMax int
	// MaxCopies caps the number of live published copies. Zero means
	// no cap. When the cap is reached the updater waits for garbage
	// collection before publishing the next copy.
	MaxCopies int
	// UpdatesOnly skips cloning and publishing; the apply function
	// receives a nil copy and accumulates side effects itself.
	UpdatesOnly bool
	// GCInterval is how often unreferenced copies are collected.
	GCInterval time.Duration
}

func (o *Options) adjust() {
	if o.QueueMax <= 0 {
		o.QueueMax = 256
	}
	if o.GCInterval <= 0 {
		o.GCInterval = 100 * time.Millisecond
	}
}

// Stats is a point-in-time view used by telemetry and tests.
type Stats struct {
	// Updates is the number of updates applied so far.
	Updates uint64
	// Batches is the number of published copies so far.
	Batches uint64
	// LiveCopies is the number of recorded copies not yet collected.
	LiveCopies int
	// MaxWorkingSet is the high-water mark of |batch|+|leftover|.
	MaxWorkingSet int
}

// Producer submits updates to, and reads snapshots from, a Propagator.
// A producer belongs to exactly one goroutine, typically a worker loop.
type Producer struct {
	prop *Propagator
	ring *queue.EsQueue
	// inUse is the snapshot the owning goroutine currently references.
	// The garbage collector treats it as live.
	inUse atomic.Value // Data
}

// Send submits one update, stamped from the shared counter. It blocks
// when the ring is full until the updater makes room, which is the
// designed back-pressure: if the updater died, Send blocking forever is
// the fatal signal.
func (p *Producer) Send(payload any) error {
	u := Update{Tstamp: p.prop.tstamp.Add(1), Payload: payload}
	for {
		if ok, _ := p.ring.Put(u); ok {
			p.prop.wake()
			return nil
		}
		if p.prop.stopped.Load() {
			return ErrStopped
		}
		p.prop.wake()
		p.prop.waitDrained()
	}
}

// Snapshot returns the currently published value and marks it as in use
// by this producer. The returned pointer is valid until the next
// Snapshot call from the owning goroutine.
func (p *Producer) Snapshot() Data {
	d, _ := p.prop.current.Load().(Data)
	if d != nil {
		p.inUse.Store(d)
	}
	return d
}

// Propagator owns the mutable state and the updater goroutine.
type Propagator struct {
	opts  Options
	apply ApplyFunc

	// tstamp is the process-global counter shared by all producers of
	// this propagator.
	tstamp atomic.Uint64

	current atomic.Value // Data
	stopped atomic.Bool

	mu        sync.Mutex
	producers []*Producer
	retired   []Update
	recorded  []Data

	drainedMu sync.Mutex
	drained   *sync.Cond

	wakeC chan struct{}

	statUpdates       atomic.Uint64
	statBatches       atomic.Uint64
	statMaxWorkingSet atomic.Int64
	statLive          atomic.Int64
}

// NewPropagator creates a propagator with initial state. The updater
// does not run until Run is started, typically on a stopper task.
func NewPropagator(initial Data, apply ApplyFunc, opts Options) *Propagator {
	opts.adjust()
	p := &Propagator{
		opts:  opts,
		apply: apply,
		wakeC: make(chan struct{}, 1),
	}
	p.drained = sync.NewCond(&p.drainedMu)
	if initial != nil {
		p.current.Store(initial)
		p.recorded = append(p.recorded, initial)
		p.statLive.Store(1)
	}
	return p
}

// AddProducer registers a new producer. The updater observes the change
// on its next drain pass; registration never tears an in-flight batch.
func (p *Propagator) AddProducer() *Producer {
	pr := &Producer{
		prop: p,
		ring: queue.NewQueue(uint32(p.opts.QueueMax)),
	}
	p.mu.Lock()
	p.producers = append(p.producers, pr)
	p.mu.Unlock()
	return pr
}

// RemoveProducer deregisters a producer. Updates already in its ring
// are still drained and applied.
func (p *Propagator) RemoveProducer(pr *Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.producers {
		if cand == pr {
			p.producers = append(p.producers[:i], p.producers[i+1:]...)
			// Keep the remainder of its ring; the updater sorts the
			// already-stamped updates into place.
			for {
				v, ok, _ := pr.ring.Get()
				if !ok {
					break
				}
				p.retired = append(p.retired, v.(Update))
			}
			return
		}
	}
}

// NextTimestamp exposes the shared counter for producers that stamp
// updates themselves in tests.
func (p *Propagator) NextTimestamp() uint64 {
	return p.tstamp.Add(1)
}

// Snapshot returns the current published value without marking it live
// for any producer; admin-side reads use it for a transient peek.
func (p *Propagator) Snapshot() Data {
	d, _ := p.current.Load().(Data)
	return d
}

// Stats returns a point-in-time stats view.
func (p *Propagator) Stats() Stats {
	return Stats{
		Updates:       p.statUpdates.Load(),
		Batches:       p.statBatches.Load(),
		LiveCopies:    int(p.statLive.Load()),
		MaxWorkingSet: int(p.statMaxWorkingSet.Load()),
	}
}

// Run drives the updater until ctx is cancelled. Unrecoverable errors
// here are fatal for the process by design; there is no recovery path
// that preserves total order.
func (p *Propagator) Run(ctx context.Context) {
	defer func() {
		p.stopped.Store(true)
		p.broadcastDrained()
	}()

	var leftover []Update
	expected := uint64(1)
	gcTick := time.NewTicker(p.opts.GCInterval)
	defer gcTick.Stop()

	for {
		batch := p.drainAll(leftover)
		leftover = nil
		p.broadcastDrained()

		sort.Slice(batch, func(i, j int) bool {
			return batch[i].Tstamp < batch[j].Tstamp
		})

		// Walk the contiguous prefix. The first gap starts the
		// leftover carried into the next tick.
		i := 0
		for i < len(batch) && batch[i].Tstamp == expected {
			i++
			expected++
		}
		leftover = append(leftover, batch[i:]...)
		batch = batch[:i]

		if ws := len(batch) + len(leftover); ws > int(p.statMaxWorkingSet.Load()) {
			p.statMaxWorkingSet.Store(int64(ws))
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.wakeC:
			case <-gcTick.C:
				p.collect()
			}
			continue
		}

		if p.opts.UpdatesOnly {
			p.apply(nil, batch)
		} else {
			if p.opts.MaxCopies > 0 {
				for int(p.statLive.Load()) >= p.opts.MaxCopies {
					p.collect()
					if int(p.statLive.Load()) < p.opts.MaxCopies {
						break
					}
					select {
					case <-ctx.Done():
						return
					case <-gcTick.C:
					}
				}
			}
			cur, _ := p.current.Load().(Data)
			next := cur.Clone()
			p.apply(next, batch)
			p.current.Store(next)
			p.mu.Lock()
			p.recorded = append(p.recorded, next)
			p.mu.Unlock()
			p.statLive.Add(1)
			p.statBatches.Add(1)
		}
		p.statUpdates.Add(uint64(len(batch)))

		select {
		case <-gcTick.C:
			p.collect()
		default:
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// drainAll empties every producer ring into one slice, prepended with
// the leftover from the previous tick. Each ring holds at most
// QueueMax entries and the leftover at most N*QueueMax, which bounds
// the working set at 2*N*QueueMax.
func (p *Propagator) drainAll(leftover []Update) []Update {
	batch := leftover
	p.mu.Lock()
	producers := make([]*Producer, len(p.producers))
	copy(producers, p.producers)
	batch = append(batch, p.retired...)
	p.retired = nil
	p.mu.Unlock()
	for _, pr := range producers {
		for {
			v, ok, _ := pr.ring.Get()
			if !ok {
				break
			}
			batch = append(batch, v.(Update))
		}
	}
	return batch
}

// collect drops recorded copies no producer references. The latest
// published copy is always kept.
func (p *Propagator) collect() {
	cur, _ := p.current.Load().(Data)

	p.mu.Lock()
	live := make(map[Data]struct{}, len(p.producers)+1)
	if cur != nil {
		live[cur] = struct{}{}
	}
	for _, pr := range p.producers {
		if d, _ := pr.inUse.Load().(Data); d != nil {
			live[d] = struct{}{}
		}
	}
	kept := p.recorded[:0]
	for _, d := range p.recorded {
		if _, ok := live[d]; ok {
			kept = append(kept, d)
		}
	}
	for i := len(kept); i < len(p.recorded); i++ {
		p.recorded[i] = nil
	}
	p.recorded = kept
	p.statLive.Store(int64(len(kept)))
	p.mu.Unlock()
}

func (p *Propagator) wake() {
	select {
	case p.wakeC <- struct{}{}:
	default:
	}
}

// waitDrained parks a producer whose ring is full until the updater
// completes a drain pass.
func (p *Propagator) waitDrained() {
	p.drainedMu.Lock()
	p.drained.Wait()
	p.drainedMu.Unlock()
}

func (p *Propagator) broadcastDrained() {
	p.drainedMu.Lock()
	p.drained.Broadcast()
	p.drainedMu.Unlock()
}
