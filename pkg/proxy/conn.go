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
	"sync/atomic"
	"time"

	"github.com/moxyio/moxy/pkg/common/moerr"
	"github.com/moxyio/moxy/pkg/logutil"
	"github.com/moxyio/moxy/pkg/mysql"
	"go.uber.org/zap"
)

// ReuseQuality grades how well a pooled connection matches the session
// asking for one.
type ReuseQuality int

const (
	// ReuseNotPossible: different user, cannot be handed over.
	ReuseNotPossible ReuseQuality = iota
	// ReusePartial: same user, different default schema; usable after
	// history replay.
	ReusePartial
	// ReuseOptimal: same user and schema.
	ReuseOptimal
)

func (q ReuseQuality) String() string {
	switch q {
	case ReusePartial:
		return "partial"
	case ReuseOptimal:
		return "optimal"
	}
	return "not_possible"
}

// BackendConn ties one socket to a backend server. It is owned by
// exactly one session, or parked in exactly one per-worker pool, or in
// transit through the owner's destroy queue; never two of those.
type BackendConn struct {
	backend *Backend
	owner   *Worker

	conn net.Conn

	// user and db are the identity the connection was established
	// with; reuse matching compares against them.
	user string
	db   string

	createdAt  time.Time
	lastReadAt atomic.Int64 // unix nanos, written by the reader

	established atomic.Bool
	hangup      atomic.Bool
	closed      atomic.Bool

	// Worker-loop state; only the owning worker touches it.
	session           *Session
	pooled            bool
	expectedResponses int

	// Reply aggregation for the request in flight on this connection.
	// Per connection, not per session: routers may have several
	// backends answering concurrently.
	signal        mysql.SignalState
	replyFound    int
	replyChecksum uint32
	checksumDone  bool
}

func newBackendConn(b *Backend, w *Worker, conn net.Conn, user, db string) *BackendConn {
	c := &BackendConn{
		backend:   b,
		owner:     w,
		conn:      conn,
		user:      user,
		db:        db,
		createdAt: time.Now(),
	}
	c.lastReadAt.Store(time.Now().UnixNano())
	return c
}

// Backend returns the target server.
func (c *BackendConn) Backend() *Backend {
	return c.backend
}

// Established reports whether the protocol handshake completed.
func (c *BackendConn) Established() bool {
	return c.established.Load()
}

// Hangup reports whether the peer closed or the socket failed.
func (c *BackendConn) Hangup() bool {
	return c.hangup.Load()
}

// Age is the time since the connection was created.
func (c *BackendConn) Age() time.Duration {
	return time.Since(c.createdAt)
}

// IdleTime is the time since the last byte was read.
func (c *BackendConn) IdleTime() time.Duration {
	return time.Since(time.Unix(0, c.lastReadAt.Load()))
}

// ReuseQualityFor grades this connection for a session.
func (c *BackendConn) ReuseQualityFor(user, db string) ReuseQuality {
	if c.user != user {
		return ReuseNotPossible
	}
	if c.db != db {
		return ReusePartial
	}
	return ReuseOptimal
}

// Write sends whole packets to the backend.
func (c *BackendConn) Write(packets ...[]byte) error {
	for _, p := range packets {
		if _, err := c.conn.Write(p); err != nil {
			c.hangup.Store(true)
			return withCode(moerr.NewBackendLost(c.backend.Name), codeBackend)
		}
	}
	return nil
}

// ExpectResponse notes one reply in flight; the session's aggregation
// decrements it when the reply completes. Arming an idle connection
// resets its reply-walk state.
func (c *BackendConn) ExpectResponse() {
	c.expectedResponses++
	if c.expectedResponses == 1 {
		c.signal.Reset()
		c.replyFound = 0
		c.replyChecksum = 0
		c.checksumDone = false
	}
}

// PendingResponses returns the replies still in flight.
func (c *BackendConn) PendingResponses() int {
	return c.expectedResponses
}

// CanClose reports whether the connection has no reply in flight, so a
// closing client DCB may be finalised.
func (c *BackendConn) CanClose() bool {
	return c.hangup.Load() || c.expectedResponses == 0
}

// Close shuts the socket and releases the backend's connection slot.
// It is idempotent.
func (c *BackendConn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	_ = c.conn.Close()
	c.backend.releaseConn()
}

// startReader pumps framed reply packets onto the owning worker's
// loop. The residual of a short read stays in the local buffer, never
// visible above the framer.
func (c *BackendConn) startReader() {
	go func() {
		var residual []byte
		buf := make([]byte, 32*1024)
		for {
			n, err := c.conn.Read(buf)
			if n > 0 {
				c.lastReadAt.Store(time.Now().UnixNano())
				stream := append(residual, buf[:n]...)
				var packets [][]byte
				packets, residual = mysql.Frame(stream)
				if len(packets) > 0 {
					c.postReplies(packets)
				}
			}
			if err != nil {
				c.hangup.Store(true)
				c.postHangup()
				return
			}
		}
	}()
}

// postReplies runs on the reader goroutine; the owning worker executes
// the delivery so session state is only touched on its loop.
func (c *BackendConn) postReplies(packets [][]byte) {
	if err := c.owner.Post(func() {
		if c.pooled {
			// Any activity on an idle pooled connection evicts it.
			c.owner.evictFromPool(c)
			return
		}
		if c.session != nil {
			c.session.handleBackendReply(c, packets)
		}
	}); err != nil {
		logutil.Debug("dropping replies for stopped worker",
			zap.String("backend", c.backend.Name))
	}
}

func (c *BackendConn) postHangup() {
	_ = c.owner.Post(func() {
		if c.pooled {
			c.owner.evictFromPool(c)
			return
		}
		if c.session != nil {
			c.session.handleBackendHangup(c)
		}
	})
}
