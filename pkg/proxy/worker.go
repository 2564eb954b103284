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
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/config"
	"github.com/moxyio/moxy/pkg/logutil"
)

// WorkerState mirrors the listening/routing lifecycle.
type WorkerState int32

const (
	// WorkerActive: listening and routing.
	WorkerActive WorkerState = iota
	// WorkerDraining: routing, no longer listening.
	WorkerDraining
	// WorkerInactive: neither; waiting for removal.
	WorkerInactive
)

func (s WorkerState) String() string {
	switch s {
	case WorkerActive:
		return "Active"
	case WorkerDraining:
		return "Draining"
	}
	return "Inactive"
}

// ErrWorkerStopped is returned by Post after the worker left its loop.
var ErrWorkerStopped = errors.New("worker has stopped")

// zombieGrace is how long a closing session waits for its backends to
// finish before their sockets are cut.
const zombieGrace = 2 * time.Second

type deferredCall struct {
	at  time.Time
	seq uint64
	fn  func()
}

func deferredLess(a, b *deferredCall) bool {
	if a.at.Equal(b.at) {
		return a.seq < b.seq
	}
	return a.at.Before(b.at)
}

type tickFunc struct {
	name  string
	every time.Duration
	last  time.Time
	fn    func()
}

type zombie struct {
	session  *Session
	client   ClientConn
	conns    []*BackendConn
	deadline time.Time
}

// waitingEndpoint is a session blocked on connection admission for one
// server; wakeups are FIFO per server.
type waitingEndpoint struct {
	session  *Session
	enqueued time.Time
	deliver  func(*BackendConn, error)
}

// Worker is one routing worker: a goroutine-owned event loop holding
// its sessions, its per-server connection pools and its thread-local
// storage. Cross-thread work arrives only through the message queue.
type Worker struct {
	index int
	set   *WorkerSet

	state atomic.Int32
	taskC chan func()

	// Everything below is loop-owned unless noted.
	sessions map[uint64]*Session

	// pools is also read by admin threads for stats; the mutex guards
	// only brief critical sections.
	pools *poolSet

	storage IndexedStorage
	timers  *btree.BTreeG[*deferredCall]
	timSeq  uint64

	tickFuncs []*tickFunc
	zombies   []*zombie

	epsWaiting map[string][]*waitingEndpoint

	// Load tracking: busy nanoseconds accumulated per one-second
	// sample, ring of samples for the rolling average.
	busyNanos   int64
	lastSample  time.Time
	loadSamples []int
	loadNext    int

	// lastAlive is the liveness notifier poked by the loop and by the
	// watchdog workaround around blocking calls.
	lastAlive atomic.Int64

	pendingRebalance atomic.Pointer[rebalanceOrder]

	shuttingDown bool
	stopped      atomic.Bool
	doneC        chan struct{}
}

func newWorker(index int, set *WorkerSet) *Worker {
	w := &Worker{
		index:       index,
		set:         set,
		taskC:       make(chan func(), 1024),
		sessions:    make(map[uint64]*Session),
		timers:      btree.NewBTreeG(deferredLess),
		epsWaiting:  make(map[string][]*waitingEndpoint),
		loadSamples: make([]int, set.cfg.RebalanceWindow),
		lastSample:  time.Now(),
		doneC:       make(chan struct{}),
	}
	w.pools = newPoolSet(w)
	w.registerTickFunc("pool-sweep", time.Second, w.sweepPools)
	w.registerTickFunc("admission-expiry", time.Second, w.expireWaitingEndpoints)
	return w
}

// Index returns the stable zero-based worker index. Once created, a
// worker's slot is never reused.
func (w *Worker) Index() int { return w.index }

// State returns the listening/routing state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *Worker) params() *config.ProxyParameters { return w.set.cfg }
func (w *Worker) registry() *BackendRegistry      { return w.set.registry }
func (w *Worker) counters() *counterSet           { return w.set.counters }

// NoteReplayStarted counts one transaction replay.
func (w *Worker) NoteReplayStarted() {
	w.counters().replaysStarted.Add(1)
}

// NoteReplayDiverged counts one detected replay divergence.
func (w *Worker) NoteReplayDiverged() {
	w.counters().replaysDiverged.Add(1)
}

// PokeWatchdog marks the worker alive; blocking calls wrapped in the
// watchdog workaround call it while they run.
func (w *Worker) PokeWatchdog() {
	w.lastAlive.Store(time.Now().UnixNano())
}

// LastAlive returns the last liveness stamp.
func (w *Worker) LastAlive() time.Time {
	return time.Unix(0, w.lastAlive.Load())
}

// Post enqueues fn onto the worker's loop: the fire-and-forget
// cross-worker call.
func (w *Worker) Post(fn func()) error {
	if w.stopped.Load() {
		return ErrWorkerStopped
	}
	select {
	case w.taskC <- fn:
		return nil
	case <-w.doneC:
		return ErrWorkerStopped
	}
}

// Call runs fn on the worker's loop and waits for it: the semaphored
// cross-worker call. It must not be used from the worker's own loop.
func (w *Worker) Call(fn func()) error {
	done := make(chan struct{})
	if err := w.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// ScheduleCall runs fn on this loop after delay.
func (w *Worker) ScheduleCall(delay time.Duration, fn func()) {
	w.timSeq++
	w.timers.Set(&deferredCall{at: time.Now().Add(delay), seq: w.timSeq, fn: fn})
}

// registerTickFunc runs fn on the loop every interval.
func (w *Worker) registerTickFunc(name string, every time.Duration, fn func()) {
	w.tickFuncs = append(w.tickFuncs, &tickFunc{name: name, every: every, fn: fn})
}

// run is the event loop. Handlers run to completion; nothing on this
// worker ever interleaves with them.
func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.stopped.Store(true)
		close(w.doneC)
	}()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case fn := <-w.taskC:
			w.exec(fn)
		case <-ticker.C:
			w.tick()
		case <-ctx.Done():
			if !w.shuttingDown {
				w.beginShutdown()
			}
			// The cancel channel stays closed; drain without
			// spinning on it.
			select {
			case fn := <-w.taskC:
				w.exec(fn)
			case <-ticker.C:
				w.tick()
			}
		}
		if w.shuttingDown && w.tryShutdown() {
			return
		}
	}
}

func (w *Worker) exec(fn func()) {
	start := time.Now()
	fn()
	w.busyNanos += time.Since(start).Nanoseconds()
	w.PokeWatchdog()
}

// tick is one decisecond step of housekeeping.
func (w *Worker) tick() {
	w.PokeWatchdog()
	w.processTimeouts()
	w.deleteZombies()
	w.runTimers()
	now := time.Now()
	for _, tf := range w.tickFuncs {
		if now.Sub(tf.last) >= tf.every {
			tf.last = now
			tf.fn()
		}
	}
	if order := w.pendingRebalance.Swap(nil); order != nil {
		w.performRebalance(order)
	}
	w.sampleLoad(now)
}

// processTimeouts scans the sessions once per decisecond.
func (w *Worker) processTimeouts() {
	for _, s := range w.sessions {
		s.Tick(s.IdleSeconds())
	}
}

// runTimers fires due deferred calls in order.
func (w *Worker) runTimers() {
	now := time.Now()
	for {
		dc, ok := w.timers.Min()
		if !ok || dc.at.After(now) {
			return
		}
		w.timers.Delete(dc)
		w.exec(dc.fn)
	}
}

// sampleLoad closes a one-second busy sample.
func (w *Worker) sampleLoad(now time.Time) {
	elapsed := now.Sub(w.lastSample)
	if elapsed < time.Second {
		return
	}
	load := int(w.busyNanos * 100 / elapsed.Nanoseconds())
	if load > 100 {
		load = 100
	}
	w.loadSamples[w.loadNext%len(w.loadSamples)] = load
	w.loadNext++
	w.busyNanos = 0
	w.lastSample = now
}

// Load returns the one-second load, or the rolling average over the
// rebalance window.
func (w *Worker) Load(average bool) int {
	if !average {
		if w.loadNext == 0 {
			return 0
		}
		return w.loadSamples[(w.loadNext-1)%len(w.loadSamples)]
	}
	n := w.loadNext
	if n > len(w.loadSamples) {
		n = len(w.loadSamples)
	}
	if n == 0 {
		return 0
	}
	var sum int
	for i := 0; i < n; i++ {
		sum += w.loadSamples[i]
	}
	return sum / n
}

// SessionCount returns the number of sessions owned; admin threads use
// it through a semaphored call.
func (w *Worker) SessionCount() int {
	return len(w.sessions)
}

// AddSession registers a session created on this worker; it must run
// on the worker's own loop.
func (w *Worker) AddSession(s *Session) {
	w.sessions[s.id] = s
	w.set.sessionIndex.Store(s.id, w.index)
}

// removeSession forgets a session whose last reference dropped.
func (w *Worker) removeSession(s *Session) {
	_ = w.Post(func() {
		delete(w.sessions, s.id)
		w.set.sessionIndex.Delete(s.id)
		if w.State() == WorkerDraining && len(w.sessions) == 0 {
			w.deactivate()
		}
	})
}

// addZombie takes over the session's client socket and backends; the
// client is only finalised when every backend can close or the grace
// expires.
func (w *Worker) addZombie(s *Session) {
	z := &zombie{
		session:  s,
		client:   s.client,
		deadline: time.Now().Add(zombieGrace),
	}
	for _, c := range s.backends {
		c.session = nil
		if c.CanClose() {
			w.ReturnConnection(c)
		} else {
			z.conns = append(z.conns, c)
		}
	}
	s.backends = nil
	w.zombies = append(w.zombies, z)
}

// deleteZombies finalises DCBs marked for destruction.
func (w *Worker) deleteZombies() {
	if len(w.zombies) == 0 {
		return
	}
	now := time.Now()
	remaining := w.zombies[:0]
	for _, z := range w.zombies {
		conns := z.conns[:0]
		for _, c := range z.conns {
			switch {
			case c.CanClose():
				w.ReturnConnection(c)
			case now.After(z.deadline):
				c.Close()
				w.activateWaitingEndpoints(c.backend)
			default:
				conns = append(conns, c)
			}
		}
		z.conns = conns
		if len(z.conns) == 0 {
			_ = z.client.Close()
		} else {
			remaining = append(remaining, z)
		}
	}
	w.zombies = remaining
}

// GetBackendConnection returns a connection to b for session s. It
// first consults the pool; on a miss it opens a new connection if the
// server's cap allows. limitReached tells the caller to wait for
// admission instead.
func (w *Worker) GetBackendConnection(b *Backend, s *Session) (conn *BackendConn, limitReached bool, err error) {
	user, db := s.User(), ""
	if mp, ok := s.proto.(*MariaDBProtocol); ok {
		db = mp.Database()
	}
	if c, quality := w.pools.get(b, user, db); c != nil {
		logutil.Debug("reusing pooled connection",
			zap.String("backend", b.Name),
			zap.String("quality", quality.String()))
		w.counters().poolHits.Add(1)
		c.pooled = false
		s.AttachBackend(c)
		return c, false, nil
	}
	w.counters().poolMisses.Add(1)

	if !b.tryReserveConn() {
		return nil, true, nil
	}

	raw, err := w.set.dialer.Dial(context.Background(), b, w.PokeWatchdog)
	if err != nil {
		b.releaseIntent()
		return nil, false, err
	}
	b.commitConn()
	c := newBackendConn(b, w, raw, user, db)
	c.established.Store(true)
	s.AttachBackend(c)
	c.startReader()
	return c, false, nil
}

// WaitForConnection enqueues an endpoint blocked on admission for b.
// deliver runs on this loop with either a connection or the admission
// failure.
func (w *Worker) WaitForConnection(b *Backend, s *Session, deliver func(*BackendConn, error)) {
	w.counters().admissionQueued.Add(1)
	w.epsWaiting[b.Name] = append(w.epsWaiting[b.Name], &waitingEndpoint{
		session:  s,
		enqueued: time.Now(),
		deliver:  deliver,
	})
}

// activateWaitingEndpoints wakes blocked endpoints FIFO while the
// server has capacity or the pool holds an idle connection.
func (w *Worker) activateWaitingEndpoints(b *Backend) {
	queue := w.epsWaiting[b.Name]
	for len(queue) > 0 && (b.hasCapacity() || w.pools.hasEntries(b)) {
		ep := queue[0]
		queue = queue[1:]
		if ep.session.State() != SessionStarted {
			continue
		}
		conn, limit, err := w.GetBackendConnection(b, ep.session)
		if limit {
			// Lost the race; back to the head of the queue.
			queue = append([]*waitingEndpoint{ep}, queue...)
			break
		}
		ep.deliver(conn, err)
	}
	w.epsWaiting[b.Name] = queue
}

// expireWaitingEndpoints fails endpoints that outlived their multiplex
// timeout.
func (w *Worker) expireWaitingEndpoints() {
	timeout := w.params().MultiplexTimeout.Duration
	now := time.Now()
	for name, queue := range w.epsWaiting {
		kept := queue[:0]
		for _, ep := range queue {
			if now.Sub(ep.enqueued) >= timeout {
				w.counters().admissionTimedOut.Add(1)
				ep.deliver(nil, withCode(moerr.NewConnTimeout(name), codeAdmission))
				continue
			}
			kept = append(kept, ep)
		}
		w.epsWaiting[name] = kept
	}
}

// ReturnConnection tries to park a released connection in the pool; a
// connection that cannot be pooled is closed. Either way, endpoints
// waiting on the server get a wakeup.
func (w *Worker) ReturnConnection(c *BackendConn) bool {
	pooled := false
	if !c.Hangup() &&
		c.Established() &&
		c.expectedResponses == 0 &&
		(c.session == nil || c.session.CanPoolBackends()) &&
		c.backend.IsRunning() &&
		w.pools.hasSpace(c.backend) {
		c.session = nil
		c.pooled = true
		c.signal.Reset()
		pooled = w.pools.add(c)
		if !pooled {
			c.pooled = false
		}
	}
	if !pooled {
		c.Close()
	}
	w.activateWaitingEndpoints(c.backend)
	return pooled
}

// evictFromPool removes a pooled connection after socket activity.
func (w *Worker) evictFromPool(c *BackendConn) {
	w.pools.remove(c)
	c.pooled = false
	c.Close()
	w.activateWaitingEndpoints(c.backend)
}

// sweepPools evicts expired and hung-up pooled connections.
func (w *Worker) sweepPools() {
	w.pools.closeExpired(w.params().PersistMaxTime.Duration)
}

// Pools exposes the pool set for admin-side stats.
func (w *Worker) Pools() *poolSet { return w.pools }

// StopListening moves an active worker to draining; existing sessions
// continue to route.
func (w *Worker) StopListening() {
	if w.state.CompareAndSwap(int32(WorkerActive), int32(WorkerDraining)) {
		if len(w.sessions) == 0 {
			w.deactivate()
		}
	}
}

// StartListening reactivates an inactive or draining worker.
func (w *Worker) StartListening() {
	w.state.Store(int32(WorkerActive))
}

// deactivate clears the thread-local caches and closes the pools; the
// worker goroutine itself never exits until process shutdown.
func (w *Worker) deactivate() {
	freed := w.storage.Clear()
	closed := w.pools.closeAll()
	w.state.Store(int32(WorkerInactive))
	logutil.Info("worker deactivated",
		zap.Int("worker", w.index),
		zap.Int64("storage_bytes_freed", freed),
		zap.Int("pooled_closed", closed))
	w.set.onWorkerInactive()
}

// beginShutdown starts the graceful path: close pooled connections and
// kill the remaining sessions.
func (w *Worker) beginShutdown() {
	w.shuttingDown = true
	w.pools.closeAll()
	for _, s := range w.sessions {
		s.Kill(KillKilled, moerr.NewSessionKilled("shutting down"))
	}
}

// tryShutdown reports whether the loop may exit: all sessions gone and
// all zombies finalised.
func (w *Worker) tryShutdown() bool {
	w.deleteZombies()
	return len(w.sessions) == 0 && len(w.zombies) == 0
}

// performRebalance moves sessions away from this worker; only the
// owning loop may touch its sessions, so the move starts here.
func (w *Worker) performRebalance(order *rebalanceOrder) {
	moved := 0
	for _, s := range w.sessions {
		if moved >= order.nSessions {
			break
		}
		if !s.Movable() {
			continue
		}
		w.migrateSession(s, order.target)
		moved++
	}
	if moved > 0 {
		logutil.Info("rebalanced sessions",
			zap.Int("from", w.index),
			zap.Int("to", order.target.index),
			zap.Int("moved", moved))
	}
}

// migrateSession hands one session to another worker. Backends are
// released first; the session-command history resurrects them on the
// new worker.
func (w *Worker) migrateSession(s *Session, dst *Worker) {
	delete(w.sessions, s.id)
	for _, c := range s.backends {
		c.session = nil
		w.ReturnConnection(c)
	}
	s.backends = nil

	s.Retain()
	if err := dst.Post(func() {
		s.worker = dst
		s.owner.Store(dst)
		dst.AddSession(s)
		s.Release()
	}); err != nil {
		// Target stopped; keep the session here.
		s.worker = w
		w.AddSession(s)
		s.Release()
		return
	}
	w.counters().sessionsMigrated.Add(1)
}
