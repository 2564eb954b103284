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
	"sync"
	"time"
)

// PoolStats is the per-pool counter block surfaced on the admin API.
type PoolStats struct {
	CurrSize   int   `json:"curr_size"`
	MaxSize    int   `json:"max_size"`
	TimesFound int64 `json:"times_found"`
	TimesEmpty int64 `json:"times_empty"`
}

// ConnPool is the per-worker multiset of idle connections for one
// server. An entry is either here or owned by a session, never both.
type ConnPool struct {
	backend  *Backend
	entries  []*BackendConn
	capacity int
	stats    PoolStats
}

func newConnPool(b *Backend, capacity int) *ConnPool {
	return &ConnPool{backend: b, capacity: capacity}
}

// get removes and returns the best matching entry. An optimal match
// short-circuits the scan.
func (p *ConnPool) get(user, db string) (*BackendConn, ReuseQuality) {
	bestIdx := -1
	best := ReuseNotPossible
	for i, c := range p.entries {
		q := c.ReuseQualityFor(user, db)
		if q == ReuseOptimal {
			bestIdx, best = i, q
			break
		}
		if q > best {
			bestIdx, best = i, q
		}
	}
	if bestIdx < 0 || best == ReuseNotPossible {
		p.stats.TimesEmpty++
		return nil, ReuseNotPossible
	}
	c := p.entries[bestIdx]
	p.entries = append(p.entries[:bestIdx], p.entries[bestIdx+1:]...)
	p.stats.CurrSize = len(p.entries)
	p.stats.TimesFound++
	return c, best
}

// add inserts an idle connection when below capacity.
func (p *ConnPool) add(c *BackendConn) bool {
	if len(p.entries) >= p.capacity {
		return false
	}
	p.entries = append(p.entries, c)
	p.stats.CurrSize = len(p.entries)
	if p.stats.CurrSize > p.stats.MaxSize {
		p.stats.MaxSize = p.stats.CurrSize
	}
	return true
}

// remove forgets a specific entry (pool-eviction handler path).
func (p *ConnPool) remove(c *BackendConn) bool {
	for i, cand := range p.entries {
		if cand == c {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.stats.CurrSize = len(p.entries)
			return true
		}
	}
	return false
}

// closeExpired evicts hung-up and aged-out entries, and trims over
// capacity after a cap decrease. Eviction order is undefined.
func (p *ConnPool) closeExpired(maxAge func(*BackendConn) bool) int {
	closed := 0
	kept := p.entries[:0]
	for _, c := range p.entries {
		if c.Hangup() || maxAge(c) {
			c.Close()
			closed++
			continue
		}
		kept = append(kept, c)
	}
	for len(kept) > p.capacity {
		kept[len(kept)-1].Close()
		kept = kept[:len(kept)-1]
		closed++
	}
	p.entries = kept
	p.stats.CurrSize = len(p.entries)
	return closed
}

// closeAll empties the pool; used on server down, deactivation and
// shutdown.
func (p *ConnPool) closeAll() int {
	closed := len(p.entries)
	for _, c := range p.entries {
		c.Close()
	}
	p.entries = nil
	p.stats.CurrSize = 0
	return closed
}

// hasSpace reports room for one more entry.
func (p *ConnPool) hasSpace() bool {
	return len(p.entries) < p.capacity
}

// setCapacity applies a recomputed per-worker capacity; the next sweep
// trims any overflow.
func (p *ConnPool) setCapacity(capacity int) {
	p.capacity = capacity
}

// poolSet is a worker's pools keyed by server. The owning worker does
// the real work; the mutex exists because admin threads read stats.
type poolSet struct {
	mu     sync.Mutex
	worker *Worker
	pools  map[string]*ConnPool
	// perWorkerCap = floor(global cap / workers created).
	perWorkerCap int
}

func newPoolSet(w *Worker) *poolSet {
	return &poolSet{
		worker: w,
		pools:  make(map[string]*ConnPool),
	}
}

func (ps *poolSet) poolFor(b *Backend) *ConnPool {
	p, ok := ps.pools[b.Name]
	if !ok {
		p = newConnPool(b, ps.perWorkerCap)
		ps.pools[b.Name] = p
	}
	return p
}

func (ps *poolSet) get(b *Backend, user, db string) (*BackendConn, ReuseQuality) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.poolFor(b).get(user, db)
}

func (ps *poolSet) add(c *BackendConn) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.poolFor(c.backend).add(c)
}

func (ps *poolSet) remove(c *BackendConn) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.poolFor(c.backend).remove(c)
}

func (ps *poolSet) hasEntries(b *Backend) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.pools[b.Name]
	return ok && len(p.entries) > 0
}

func (ps *poolSet) hasSpace(b *Backend) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.poolFor(b).hasSpace()
}

func (ps *poolSet) closeExpired(maxAge time.Duration) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	closed := 0
	for _, p := range ps.pools {
		closed += p.closeExpired(func(c *BackendConn) bool {
			return c.Age() > maxAge
		})
	}
	return closed
}

func (ps *poolSet) closeAll() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	closed := 0
	for _, p := range ps.pools {
		closed += p.closeAll()
	}
	return closed
}

// setCapacity recomputes the per-worker capacity from the global cap
// and the number of workers ever created.
func (ps *poolSet) setCapacity(globalCap, workersCreated int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if workersCreated < 1 {
		workersCreated = 1
	}
	ps.perWorkerCap = globalCap / workersCreated
	for _, p := range ps.pools {
		p.setCapacity(ps.perWorkerCap)
	}
}

// Stats snapshots per-server pool stats for the admin surface.
func (ps *poolSet) Stats() map[string]PoolStats {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make(map[string]PoolStats, len(ps.pools))
	for name, p := range ps.pools {
		out[name] = p.stats
	}
	return out
}
